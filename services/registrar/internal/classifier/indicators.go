package classifier

// ChallengeType groups the markers that identify one kind of challenge
// widget. Types are checked in order; the first with a present marker wins.
type ChallengeType struct {
	Name    string   `yaml:"name"`
	Markers []string `yaml:"markers"`
}

// Indicators holds every marker list and threshold used by Classify. All
// values are site tuning and may be overridden from configuration.
type Indicators struct {
	StrongChallenge       []string        `yaml:"strong_challenge"`
	AuxChallenge          []string        `yaml:"aux_challenge"`
	ChallengeAuxThreshold int             `yaml:"challenge_aux_threshold"`
	ChallengeTypes        []ChallengeType `yaml:"challenge_types"`
	SuccessStructure      []string        `yaml:"success_structure"`
	SuccessThreshold      int             `yaml:"success_threshold"`
	AlreadyExists         []string        `yaml:"already_exists"`
	SuccessPhrases        []string        `yaml:"success_phrases"`
	ErrorPhrases          []string        `yaml:"error_phrases"`
	VerificationPhrases   []string        `yaml:"verification_phrases"`
}

const (
	TypeSlide   = "slide"
	TypePuzzle  = "puzzle"
	TypeImage   = "image"
	TypeUnknown = "unknown"
)

// UsernamePlaceholder is replaced by the account's username in
// AlreadyExists templates.
const UsernamePlaceholder = "{username}"

// DefaultIndicators returns the tuning for the QUC (360 user centre)
// registration pages.
func DefaultIndicators() Indicators {
	return Indicators{
		StrongChallenge: []string{
			"quc-slide-con",
			"quc-captcha-slide",
			"quc-slide-block",
			"geetest_panel_box",
			"nc_wrapper",
		},
		AuxChallenge: []string{
			"captcha",
			"slider",
			"puzzle",
			"拖动",
			"滑块验证",
			"安全验证",
			"完成拼图",
		},
		ChallengeAuxThreshold: 2,
		ChallengeTypes: []ChallengeType{
			{Name: TypeSlide, Markers: []string{"quc-slide", "slide", "slider", "滑块", "拖动"}},
			{Name: TypePuzzle, Markers: []string{"puzzle", "拼图"}},
			{Name: TypeImage, Markers: []string{"captcha-img", "image-captcha", "图片验证", "点击图中"}},
		},
		SuccessStructure: []string{
			"退出",
			"logout",
			"quc-user-info",
			"user-avatar",
			"个人中心",
			"账号设置",
		},
		SuccessThreshold: 3,
		AlreadyExists: []string{
			"该账号已经注册",
			"用户名已存在",
			"已被注册",
			"账号" + UsernamePlaceholder + "已存在",
		},
		SuccessPhrases: []string{
			"注册成功",
			"恭喜您注册成功",
			"registration successful",
		},
		ErrorPhrases: []string{
			"注册失败",
			"密码格式错误",
			"用户名格式不正确",
			"两次输入的密码不一致",
			"操作过于频繁",
		},
		VerificationPhrases: []string{
			"验证码错误",
			"请输入验证码",
			"验证码不能为空",
		},
	}
}

// WithOverrides returns a copy of i where every non-empty list and positive
// threshold in o replaces the corresponding value.
func (i Indicators) WithOverrides(o Indicators) Indicators {
	out := i
	replace := func(dst *[]string, src []string) {
		if len(src) > 0 {
			*dst = append([]string(nil), src...)
		}
	}
	replace(&out.StrongChallenge, o.StrongChallenge)
	replace(&out.AuxChallenge, o.AuxChallenge)
	replace(&out.SuccessStructure, o.SuccessStructure)
	replace(&out.AlreadyExists, o.AlreadyExists)
	replace(&out.SuccessPhrases, o.SuccessPhrases)
	replace(&out.ErrorPhrases, o.ErrorPhrases)
	replace(&out.VerificationPhrases, o.VerificationPhrases)
	if len(o.ChallengeTypes) > 0 {
		out.ChallengeTypes = append([]ChallengeType(nil), o.ChallengeTypes...)
	}
	if o.ChallengeAuxThreshold > 0 {
		out.ChallengeAuxThreshold = o.ChallengeAuxThreshold
	}
	if o.SuccessThreshold > 0 {
		out.SuccessThreshold = o.SuccessThreshold
	}
	return out
}
