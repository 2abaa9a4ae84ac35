package connectlink

import (
	"context"

	"github.com/rs/zerolog"
)

// Resolver derives what a conversation is called and which avatar it shows.
type Resolver struct {
	dir    Directory
	logger zerolog.Logger
}

// NewResolver returns a Resolver backed by dir.
func NewResolver(dir Directory, logger zerolog.Logger) *Resolver {
	return &Resolver{dir: dir, logger: logger}
}

// ResolveDisplayIdentity returns the identity of conv as seen by selfUserID.
// Malformed membership degrades to a placeholder instead of failing; only
// store errors are returned.
func (r *Resolver) ResolveDisplayIdentity(ctx context.Context, conv Conversation, selfUserID string) (Identity, error) {
	ids, err := r.resolveAll(ctx, []Conversation{conv}, selfUserID)
	if err != nil {
		return Identity{}, err
	}
	return ids[conv.ID], nil
}

// resolveAll resolves every conversation with one participants query and one
// profiles query.
func (r *Resolver) resolveAll(ctx context.Context, convs []Conversation, selfUserID string) (map[string]Identity, error) {
	out := make(map[string]Identity, len(convs))

	var unnamed []string
	for _, c := range convs {
		if c.Name != "" {
			out[c.ID] = Identity{Name: c.Name, AvatarURL: GroupAvatarURL}
			continue
		}
		unnamed = append(unnamed, c.ID)
	}
	if len(unnamed) == 0 {
		return out, nil
	}

	parts, err := r.dir.Participants(ctx, unnamed)
	if err != nil {
		return nil, err
	}
	others := make(map[string][]string, len(unnamed))
	for _, p := range parts {
		if p.UserID == selfUserID {
			continue
		}
		others[p.ConversationID] = appendUnique(others[p.ConversationID], p.UserID)
	}

	var wanted []string
	for _, id := range unnamed {
		if len(others[id]) == 1 {
			wanted = append(wanted, others[id][0])
		}
	}
	profiles := make(map[string]Profile)
	if len(wanted) > 0 {
		rows, err := r.dir.Profiles(ctx, wanted)
		if err != nil {
			return nil, err
		}
		for _, p := range rows {
			profiles[p.ID] = p
		}
	}

	for _, id := range unnamed {
		if len(others[id]) != 1 {
			r.logger.Warn().
				Str("conversation", id).
				Int("others", len(others[id])).
				Err(ErrDataIntegrity).
				Msg("conversation without exactly one other participant")
			out[id] = Identity{Name: UnknownUserName, AvatarURL: DefaultAvatarURL, Degraded: true}
			continue
		}
		out[id] = profileIdentity(profiles[others[id][0]])
	}
	return out, nil
}

// profileIdentity maps a profile row, possibly the zero value for a missing
// row, to an identity.
func profileIdentity(p Profile) Identity {
	id := Identity{Name: p.DisplayName, AvatarURL: p.AvatarURL}
	if id.Name == "" {
		id.Name = UnknownUserName
	}
	if id.AvatarURL == "" {
		id.AvatarURL = DefaultAvatarURL
	}
	return id
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
