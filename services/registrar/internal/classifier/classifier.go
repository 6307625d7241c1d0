// Package classifier maps raw page content to a registration outcome. It is
// pure: no I/O, no shared state after construction.
package classifier

import (
	"strings"

	"github.com/grigta/registrar/services/registrar/internal/models"
)

type Kind string

const (
	KindChallenge     Kind = "challenge"
	KindSuccess       Kind = "success"
	KindAlreadyExists Kind = "already_exists"
	KindExplicitError Kind = "explicit_error"
	KindAmbiguous     Kind = "ambiguous"
)

type Result struct {
	Kind          Kind   `json:"kind"`
	Detail        string `json:"detail,omitempty"`
	ChallengeType string `json:"challenge_type,omitempty"`
	// NeedsChallenge marks an explicit error about a missing or invalid
	// verification code.
	NeedsChallenge bool `json:"needs_challenge,omitempty"`
}

// IsChallenge reports whether the page still asks for human verification.
func (r Result) IsChallenge() bool {
	return r.Kind == KindChallenge || r.NeedsChallenge
}

type Classifier struct {
	ind Indicators
}

func New(ind Indicators) *Classifier {
	if ind.ChallengeAuxThreshold <= 0 {
		ind.ChallengeAuxThreshold = 2
	}
	if ind.SuccessThreshold <= 0 {
		ind.SuccessThreshold = 3
	}

	norm := Indicators{
		StrongChallenge:       normalize(ind.StrongChallenge),
		AuxChallenge:          normalize(ind.AuxChallenge),
		ChallengeAuxThreshold: ind.ChallengeAuxThreshold,
		SuccessStructure:      normalize(ind.SuccessStructure),
		SuccessThreshold:      ind.SuccessThreshold,
		AlreadyExists:         normalize(ind.AlreadyExists),
		SuccessPhrases:        normalize(ind.SuccessPhrases),
		ErrorPhrases:          normalize(ind.ErrorPhrases),
		VerificationPhrases:   normalize(ind.VerificationPhrases),
	}
	for _, ct := range ind.ChallengeTypes {
		norm.ChallengeTypes = append(norm.ChallengeTypes, ChallengeType{
			Name:    ct.Name,
			Markers: normalize(ct.Markers),
		})
	}

	return &Classifier{ind: norm}
}

func Default() *Classifier {
	return New(DefaultIndicators())
}

func (c *Classifier) Indicators() Indicators {
	return c.ind
}

// Classify applies the rules in priority order; the first match wins.
// account may be nil, in which case username templates are skipped.
func (c *Classifier) Classify(content string, account *models.Account) Result {
	page := strings.ToLower(content)

	if m := firstPresent(page, c.ind.StrongChallenge); m != "" {
		return Result{Kind: KindChallenge, Detail: m, ChallengeType: c.challengeType(page)}
	}

	if aux := allPresent(page, c.ind.AuxChallenge); len(aux) >= c.ind.ChallengeAuxThreshold {
		return Result{Kind: KindChallenge, Detail: strings.Join(aux, ", "), ChallengeType: c.challengeType(page)}
	}

	if found := allPresent(page, c.ind.SuccessStructure); len(found) >= c.ind.SuccessThreshold {
		return Result{Kind: KindSuccess, Detail: strings.Join(found, ", ")}
	}

	if m := c.alreadyExists(page, account); m != "" {
		return Result{Kind: KindAlreadyExists, Detail: m}
	}

	if m := firstPresent(page, c.ind.SuccessPhrases); m != "" {
		return Result{Kind: KindSuccess, Detail: m}
	}

	if m := firstPresent(page, c.ind.VerificationPhrases); m != "" {
		return Result{Kind: KindExplicitError, Detail: m, NeedsChallenge: true}
	}
	if m := firstPresent(page, c.ind.ErrorPhrases); m != "" {
		return Result{Kind: KindExplicitError, Detail: m}
	}

	return Result{Kind: KindAmbiguous}
}

func (c *Classifier) alreadyExists(page string, account *models.Account) string {
	for _, phrase := range c.ind.AlreadyExists {
		if strings.Contains(phrase, UsernamePlaceholder) {
			if account == nil {
				continue
			}
			phrase = strings.ReplaceAll(phrase, UsernamePlaceholder, strings.ToLower(account.Username()))
		}
		if strings.Contains(page, phrase) {
			return phrase
		}
	}
	return ""
}

func (c *Classifier) challengeType(page string) string {
	for _, ct := range c.ind.ChallengeTypes {
		if firstPresent(page, ct.Markers) != "" {
			return ct.Name
		}
	}
	return TypeUnknown
}

func firstPresent(page string, markers []string) string {
	for _, m := range markers {
		if strings.Contains(page, m) {
			return m
		}
	}
	return ""
}

func allPresent(page string, markers []string) []string {
	var found []string
	for _, m := range markers {
		if strings.Contains(page, m) {
			found = append(found, m)
		}
	}
	return found
}

// normalize lower-cases markers and drops blanks and duplicates so that a
// repeated marker counts once toward a threshold.
func normalize(markers []string) []string {
	seen := make(map[string]struct{}, len(markers))
	out := make([]string, 0, len(markers))
	for _, m := range markers {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
