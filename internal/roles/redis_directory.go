package roles

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/balloonboat/balloonboat/internal/guild"
	"github.com/balloonboat/balloonboat/internal/rating"
)

// ChangeStream receives every role change for the chat bot to apply.
const ChangeStream = "roles.changes"

// RedisDirectory reads guild membership mirrored into Redis by the chat bot
// and records role changes both in the mirror and on ChangeStream.
//
// Layout:
//
//	guild:{guild}:members              set of user ids
//	guild:{guild}:member:{user}:roles  set of role ids
type RedisDirectory struct {
	client *redis.Client
	stream string
}

// NewRedisDirectory constructs a RedisDirectory.
func NewRedisDirectory(client *redis.Client) *RedisDirectory {
	return &RedisDirectory{client: client, stream: ChangeStream}
}

func membersKey(g guild.ID) string {
	return fmt.Sprintf("guild:%d:members", g)
}

func rolesKey(g guild.ID, user rating.UserID) string {
	return fmt.Sprintf("guild:%d:member:%d:roles", g, user)
}

// Members lists guild members ordered by user id.
func (d *RedisDirectory) Members(ctx context.Context, g guild.ID) ([]Member, error) {
	raw, err := d.client.SMembers(ctx, membersKey(g)).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]rating.UserID, 0, len(raw))
	for _, s := range raw {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, rating.UserID(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	cmds := make([]*redis.StringSliceCmd, len(ids))
	_, err = d.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.SMembers(ctx, rolesKey(g, id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(ids))
	for i, id := range ids {
		members = append(members, Member{UserID: id, Roles: parseRoles(cmds[i].Val())})
	}
	return members, nil
}

// Member returns one guild member.
func (d *RedisDirectory) Member(ctx context.Context, g guild.ID, user rating.UserID) (Member, bool, error) {
	ok, err := d.client.SIsMember(ctx, membersKey(g), strconv.FormatInt(int64(user), 10)).Result()
	if err != nil || !ok {
		return Member{}, false, err
	}
	raw, err := d.client.SMembers(ctx, rolesKey(g, user)).Result()
	if err != nil {
		return Member{}, false, err
	}
	return Member{UserID: user, Roles: parseRoles(raw)}, true, nil
}

// AddRole grants role and announces the change.
func (d *RedisDirectory) AddRole(ctx context.Context, g guild.ID, user rating.UserID, role guild.RoleID) error {
	return d.change(ctx, g, user, role, ActionAdd)
}

// RemoveRole revokes role and announces the change.
func (d *RedisDirectory) RemoveRole(ctx context.Context, g guild.ID, user rating.UserID, role guild.RoleID) error {
	return d.change(ctx, g, user, role, ActionRemove)
}

func (d *RedisDirectory) change(ctx context.Context, g guild.ID, user rating.UserID, role guild.RoleID, action Action) error {
	roleID := strconv.FormatInt(int64(role), 10)
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if action == ActionAdd {
			pipe.SAdd(ctx, rolesKey(g, user), roleID)
		} else {
			pipe.SRem(ctx, rolesKey(g, user), roleID)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: d.stream,
			Values: map[string]any{
				"guild_id": int64(g),
				"user_id":  int64(user),
				"role_id":  int64(role),
				"action":   string(action),
			},
		})
		return nil
	})
	return err
}

func parseRoles(raw []string) []guild.RoleID {
	out := make([]guild.RoleID, 0, len(raw))
	for _, s := range raw {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, guild.RoleID(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
