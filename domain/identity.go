package domain

import (
	"slices"
	"time"
)

// Identity is the broker's canonical view of a person. AlternateIDs only
// ever grows.
type Identity struct {
	PrimaryID        string    `bson:"_id"                          json:"primary_id"`
	AlternateIDs     []string  `bson:"alternate_ids"                json:"alternate_ids"`
	Email            string    `bson:"email,omitempty"              json:"email,omitempty"`
	AuthProvider     string    `bson:"auth_provider,omitempty"      json:"auth_provider,omitempty"`
	SubscriptionTier string    `bson:"subscription_tier,omitempty"  json:"subscription_tier,omitempty"`
	CreatedAt        time.Time `bson:"created_at"                   json:"created_at"`
	UpdatedAt        time.Time `bson:"updated_at"                   json:"updated_at"`
}

// HasID reports whether id is the primary id or one of the aliases.
func (i *Identity) HasID(id string) bool {
	return id == i.PrimaryID || slices.Contains(i.AlternateIDs, id)
}

// MergeAlternateIDs adds every id not already known, keeping the set
// sorted. It returns the ids that were added; merging the same ids again
// adds nothing.
func (i *Identity) MergeAlternateIDs(ids []string) []string {
	var added []string
	for _, id := range ids {
		if id == "" || i.HasID(id) || slices.Contains(added, id) {
			continue
		}
		added = append(added, id)
	}
	if len(added) > 0 {
		i.AlternateIDs = append(i.AlternateIDs, added...)
		slices.Sort(i.AlternateIDs)
	}
	return added
}

// Clone returns a deep copy.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	c.AlternateIDs = slices.Clone(i.AlternateIDs)
	return &c
}
