package flags

import (
	"regexp"
	"strings"

	"git.handmade.network/hmn/reviewq/src/models"
)

// Stable ids of the built-in flags. Score rows store these, so they never
// change.
const (
	IDOffTopic         = 3
	IDInappropriate    = 4
	IDNotifyUser       = 6
	IDNotifyModerators = 7
	IDSpam             = 8
	IDNeedsApproval    = 9
	IDIllegal          = 10
)

var systemKinds = map[string]Kind{
	"off_topic":         KindOffTopic,
	"inappropriate":     KindInappropriate,
	"notify_user":       KindNotifyUser,
	"notify_moderators": KindNotifyModerators,
	"spam":              KindSpam,
	"needs_approval":    KindNeedsApproval,
	"illegal":           KindIllegal,
}

var (
	postOnly      = []models.TargetKind{models.TargetPost}
	postAndUser   = []models.TargetKind{models.TargetPost, models.TargetUser}
	approvalKinds = []models.TargetKind{models.TargetQueuedPost, models.TargetUser}
)

// The built-in flags, in their default order. Returns fresh copies.
func SystemFlags() []Descriptor {
	return []Descriptor{
		{ID: IDNotifyUser, Key: "notify_user", Attributes: Attributes{
			Kind:           KindNotifyUser,
			Name:           "Send the author a message",
			Description:    "Contact the author of this post privately.",
			AppliesTo:      clone(postOnly),
			Position:       0,
			Enabled:        true,
			RequireMessage: true,
			Capabilities:   CustomType,
		}},
		{ID: IDOffTopic, Key: "off_topic", Attributes: Attributes{
			Kind:         KindOffTopic,
			Name:         "It's off-topic",
			Description:  "This post is not relevant to the current discussion.",
			AppliesTo:    clone(postOnly),
			Position:     1,
			Enabled:      true,
			Capabilities: NotifyType | AutoActionType,
		}},
		{ID: IDInappropriate, Key: "inappropriate", Attributes: Attributes{
			Kind:         KindInappropriate,
			Name:         "It's inappropriate",
			Description:  "This content would be considered offensive, abusive, or a violation of the community guidelines.",
			AppliesTo:    clone(postAndUser),
			Position:     2,
			Enabled:      true,
			Capabilities: TopicType | NotifyType | AutoActionType,
		}},
		{ID: IDSpam, Key: "spam", Attributes: Attributes{
			Kind:         KindSpam,
			Name:         "It's spam",
			Description:  "This is an advertisement or vandalism.",
			AppliesTo:    clone(postAndUser),
			Position:     3,
			Enabled:      true,
			Capabilities: TopicType | NotifyType | AutoActionType,
		}},
		{ID: IDIllegal, Key: "illegal", Attributes: Attributes{
			Kind:           KindIllegal,
			Name:           "It's illegal",
			Description:    "This post requires staff attention because it may break the law.",
			AppliesTo:      clone(postAndUser),
			Position:       4,
			Enabled:        true,
			RequireMessage: true,
			Capabilities:   TopicType | NotifyType | CustomType,
		}},
		{ID: IDNotifyModerators, Key: "notify_moderators", Attributes: Attributes{
			Kind:           KindNotifyModerators,
			Name:           "Something else",
			Description:    "This needs staff attention for another reason not listed above.",
			AppliesTo:      clone(postAndUser),
			Position:       5,
			Enabled:        true,
			RequireMessage: true,
			Capabilities:   TopicType | NotifyType | CustomType,
		}},
		{ID: IDNeedsApproval, Key: "needs_approval", Attributes: Attributes{
			Kind:        KindNeedsApproval,
			Name:        "Needs approval",
			Description: "Queued by the system for staff approval.",
			AppliesTo:   clone(approvalKinds),
			Position:    6,
			Enabled:     true,
			ScoreType:   true,
		}},
	}
}

func clone(kinds []models.TargetKind) []models.TargetKind {
	return append([]models.TargetKind(nil), kinds...)
}

const CustomKeyPrefix = "custom_"

var (
	reRepeatedSpaces = regexp.MustCompile(` +`)
	reNonWord        = regexp.MustCompile(`[^A-Za-z0-9_]`)
)

/*
Derives a flag's name_key from its name: runs of spaces collapse to a single
underscore, everything outside [A-Za-z0-9_] is dropped, and the result is
lowercased. Custom flags get a "custom_" prefix so they can never collide with
a system key.

	NameKey("Posting  AI slop!", false) == "custom_posting_ai_slop"
*/
func NameKey(name string, system bool) string {
	key := reRepeatedSpaces.ReplaceAllString(name, " ")
	key = strings.ReplaceAll(key, " ", "_")
	key = reNonWord.ReplaceAllString(key, "")
	key = strings.ToLower(key)
	if !system {
		key = CustomKeyPrefix + key
	}
	return key
}
