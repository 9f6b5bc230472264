package safety

import "regexp"

type Category string

const (
	CategoryViolence        Category = "violence"
	CategorySelfHarm        Category = "self_harm"
	CategoryHarassment      Category = "harassment"
	CategoryIllegalActivity Category = "illegal_activity"
	CategoryAdultContent    Category = "adult_content"
)

type rule struct {
	category Category
	pattern  *regexp.Regexp
}

// Rules are checked in order; self-harm comes first so a reply touching
// several categories gets the supportive message.
var defaultRules = []rule{
	{CategorySelfHarm, regexp.MustCompile(`(?i)\b(kill (yourself|myself)|kys|end (your|my) life|suicide (method|plan)s?|cut (yourself|myself)|how to (overdose|hang (yourself|myself)))\b`)},
	{CategoryViolence, regexp.MustCompile(`(?i)\b(i('| wi)ll (kill|murder|stab|shoot) you|(make|build) a (bomb|pipe bomb)|mass shooting|behead(ing)?|torture (him|her|them|you))\b`)},
	{CategoryHarassment, regexp.MustCompile(`(?i)\b(you('re| are) (worthless|pathetic|subhuman)|nobody (would|will) (ever )?(love|miss) you|go die)\b`)},
	{CategoryIllegalActivity, regexp.MustCompile(`(?i)\b((cook|make|synthesi[sz]e) (meth|methamphetamine|fentanyl|heroin)|launder(ing)? money|buy (stolen )?credit card numbers|hotwire a car)\b`)},
	{CategoryAdultContent, regexp.MustCompile(`(?i)\b(explicit sex(ual)?|porn(ography|ographic)?|nsfw|nude (photo|pic|picture)s?|sexual(ly)? explicit)\b`)},
}

var safeMessages = map[Category]string{
	CategorySelfHarm:        "I care about you, and I can't talk about that. If you're struggling, please reach out to someone you trust or a local crisis line.",
	CategoryViolence:        "I'd rather not go there. Can we talk about something else?",
	CategoryHarassment:      "That's not how I want to talk to anyone. Let's start over?",
	CategoryIllegalActivity: "I can't help with that, but I'm happy to chat about something else.",
	CategoryAdultContent:    "Let's keep things friendly. What else is on your mind?",
}

type Result struct {
	Content  string
	Filtered bool
	Category Category
}

// Filter replaces replies matching a prohibited pattern with a
// category-specific safe message. It is safe for concurrent use.
type Filter struct {
	rules []rule
}

func NewFilter() *Filter {
	return &Filter{rules: defaultRules}
}

func (f *Filter) Apply(content string) Result {
	for _, r := range f.rules {
		if r.pattern.MatchString(content) {
			return Result{
				Content:  SafeMessage(r.category),
				Filtered: true,
				Category: r.category,
			}
		}
	}
	return Result{Content: content}
}

func SafeMessage(c Category) string {
	if msg, ok := safeMessages[c]; ok {
		return msg
	}
	return "Let's talk about something else."
}
