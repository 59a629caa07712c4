package relevance

// intentClass is one family of phrases that signal a reader might welcome a
// reply. Each distinct phrase found adds Points, up to Cap for the class.
type intentClass struct {
	Name    string
	Points  int
	Cap     int
	Phrases []string
}

var defaultIntentClasses = []intentClass{
	{
		Name:   "problem",
		Points: 15,
		Cap:    35,
		Phrases: []string{
			"struggling with", "having trouble", "frustrated", "doesn't work",
			"not working", "problem with", "issue with", "can't figure",
			"tired of", "fed up", "pain point", "nightmare", "wasting time",
		},
	},
	{
		Name:   "recommendation",
		Points: 20,
		Cap:    40,
		Phrases: []string{
			"recommend", "suggestions", "looking for", "alternative to",
			"alternatives", "what do you use", "best tool", "any good",
			"which tool", "what's the best", "what is the best", "switch from",
		},
	},
	{
		Name:   "question",
		Points: 10,
		Cap:    20,
		Phrases: []string{
			"how do i", "how do you", "how to", "is there", "anyone know",
			"does anyone", "has anyone", "can someone",
		},
	},
	{
		Name:   "experience",
		Points: 8,
		Cap:    15,
		Phrases: []string{
			"i switched", "we switched", "we use", "i've been using",
			"in my experience", "we tried", "i tried", "we moved to",
		},
	},
}

// questionMarkClass names the intent class that also counts "?" characters.
const questionMarkClass = "question"

// Context weights.
const (
	negativePenalty = 30

	keywordPoints  = 15
	keywordCap     = 45
	businessPoints = 10
	businessCap    = 20
	audiencePoints = 10
	audienceCap    = 20
	domainPoints   = 3
	domainCap      = 15
)

var defaultDomainIndicators = []string{
	"business", "startup", "company", "team", "customers", "clients",
	"software", "saas", "workflow", "revenue", "sales", "marketing",
	"product", "agency", "freelance",
}

// Quality weights.
const (
	qualityBase      = 50
	selfPostBonus    = 10
	longFormBonus    = 10
	longFormChars    = 300
	spamPenalty      = 15
	shortBodyPenalty = 15
	shortBodyChars   = 50
	veryLongBonus    = 5
	veryLongChars    = 2000
)

var defaultSpamTerms = []string{
	"buy now", "click here", "promo code", "discount code", "limited offer",
	"dm me", "check out my", "giveaway", "affiliate", "use my link",
}

// Engagement steps.
var (
	scoreSteps   = []int{5, 20, 100, 500}
	commentSteps = []int{3, 10, 50}
)

const (
	engagementStep     = 10
	discussionRatio    = 0.5
	discussionBonus    = 15
	discussionMinScore = 1
)

// Rejection floors, checked in order.
const (
	intentFloor  = 30
	contextFloor = 30
	qualityFloor = 40
)

// Weights of the final score.
const (
	intentWeight     = 0.25
	contextWeight    = 0.35
	qualityWeight    = 0.25
	engagementWeight = 0.15
)
