package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/grigta/registrar/pkg/database"
	"github.com/grigta/registrar/pkg/logger"
	"github.com/grigta/registrar/services/registrar/internal/models"
)

const accountsCollection = "registrar_accounts"

var ErrAccountNotFound = errors.New("account not found")

// Cipher protects credentials at rest. *crypto.Encryptor satisfies it.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AccountRecord is the persisted outcome of a registration run.
type AccountRecord struct {
	ID            int64                    `bson:"_id" json:"id"`
	Username      string                   `bson:"username" json:"username"`
	Password      string                   `bson:"password" json:"-"`
	Status        models.AccountStatus     `bson:"status" json:"status"`
	Notes         string                   `bson:"notes" json:"notes"`
	FinalState    models.RegistrationState `bson:"final_state" json:"final_state"`
	ChallengeType string                   `bson:"challenge_type,omitempty" json:"challenge_type,omitempty"`
	Attempts      int                      `bson:"attempts" json:"attempts"`
	Duration      float64                  `bson:"duration_seconds" json:"duration_seconds"`
	RunID         string                   `bson:"run_id" json:"run_id"`
	BatchID       string                   `bson:"batch_id,omitempty" json:"batch_id,omitempty"`
	CreatedAt     time.Time                `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time                `bson:"updated_at" json:"updated_at"`
}

type AccountRepository interface {
	SaveResult(ctx context.Context, account *models.Account, result *models.RegistrationResult, runID, batchID string) error
	GetAccount(ctx context.Context, id int64) (*AccountRecord, error)
	GetAccountsByStatus(ctx context.Context, status models.AccountStatus, limit int64) ([]*AccountRecord, error)
	CountByStatus(ctx context.Context) (map[models.AccountStatus]int64, error)
	CreateIndexes(ctx context.Context) error
}

type accountRepository struct {
	db     *database.MongoDB
	cipher Cipher
	logger logger.Logger
}

func NewAccountRepository(db *database.MongoDB, cipher Cipher, log logger.Logger) AccountRepository {
	return &accountRepository{
		db:     db,
		cipher: cipher,
		logger: log,
	}
}

// SaveResult upserts the account keyed by its id. The password is stored
// encrypted; created_at is kept from the first write.
func (r *accountRepository) SaveResult(ctx context.Context, account *models.Account, result *models.RegistrationResult, runID, batchID string) error {
	encrypted, err := r.cipher.Encrypt(account.Password())
	if err != nil {
		return fmt.Errorf("failed to encrypt password: %w", err)
	}

	now := time.Now()
	set := bson.M{
		"username":   account.Username(),
		"password":   encrypted,
		"status":     account.Status(),
		"notes":      account.Notes(),
		"run_id":     runID,
		"updated_at": now,
	}
	if batchID != "" {
		set["batch_id"] = batchID
	}
	if result != nil {
		set["final_state"] = result.FinalState
		set["attempts"] = result.Attempts
		set["duration_seconds"] = result.Duration
		if result.ChallengeType != "" {
			set["challenge_type"] = result.ChallengeType
		}
	}

	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"created_at": now},
	}

	if _, err := r.db.UpdateOne(ctx, accountsCollection, bson.M{"_id": account.ID()}, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	r.logger.Debug("Account saved",
		logger.F("account_id", account.ID()),
		logger.F("status", string(account.Status())),
	)
	return nil
}

func (r *accountRepository) GetAccount(ctx context.Context, id int64) (*AccountRecord, error) {
	var record AccountRecord
	if err := r.db.FindOne(ctx, accountsCollection, bson.M{"_id": id}, &record); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	if err := r.decrypt(&record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *accountRepository) GetAccountsByStatus(ctx context.Context, status models.AccountStatus, limit int64) ([]*AccountRecord, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}

	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}

	cursor, err := r.db.Find(ctx, accountsCollection, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find accounts: %w", err)
	}
	defer cursor.Close(ctx)

	var records []*AccountRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode accounts: %w", err)
	}

	for _, record := range records {
		if err := r.decrypt(record); err != nil {
			r.logger.Warn("Failed to decrypt account password", logger.F("account_id", record.ID), logger.Err(err))
			record.Password = ""
		}
	}
	return records, nil
}

func (r *accountRepository) CountByStatus(ctx context.Context) (map[models.AccountStatus]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	}

	cursor, err := r.db.GetCollection(accountsCollection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate account statistics: %w", err)
	}
	defer cursor.Close(ctx)

	counts := make(map[models.AccountStatus]int64)
	for cursor.Next(ctx) {
		var row struct {
			Status models.AccountStatus `bson:"_id"`
			Count  int64                `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("failed to decode statistics row: %w", err)
		}
		counts[row.Status] = row.Count
	}
	return counts, cursor.Err()
}

func (r *accountRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "username", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: -1}},
		},
		{
			Keys:    bson.D{{Key: "batch_id", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
	}
	return r.db.CreateIndexes(ctx, accountsCollection, indexes)
}

func (r *accountRepository) decrypt(record *AccountRecord) error {
	if record.Password == "" {
		return nil
	}
	plain, err := r.cipher.Decrypt(record.Password)
	if err != nil {
		return fmt.Errorf("failed to decrypt password: %w", err)
	}
	record.Password = plain
	return nil
}
