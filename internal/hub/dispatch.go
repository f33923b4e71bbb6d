package hub

import (
	"context"
	"encoding/json"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/connection"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/database"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/metadata"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/multiplayer"
)

func callerOf(client connection.ClientState) multiplayer.Caller {
	return multiplayer.Caller{
		UserID:       client.UserID,
		ConnectionID: client.ConnectionID,
		TokenID:      client.TokenID,
	}
}

// roomMethod 把帶參數的房間操作轉成 Method
func roomMethod[A any](fn func(ctx context.Context, caller multiplayer.Caller, args A) (any, error)) Method {
	return func(ctx context.Context, client connection.ClientState, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[A](raw)
		if err != nil {
			return nil, err
		}
		return fn(ctx, callerOf(client), args)
	}
}

// noResult 只回傳錯誤的操作
func noResult(err error) (any, error) {
	return nil, err
}

type roomIDArgs struct {
	RoomID int64 `json:"room_id"`
}

type userIDArgs struct {
	UserID int64 `json:"user_id"`
}

type stateArgs struct {
	State multiplayer.RoomUserState `json:"state"`
}

type styleArgs struct {
	BeatmapID *int64 `json:"beatmap_id"`
	RulesetID *int   `json:"ruleset_id"`
}

type playlistItemIDArgs struct {
	PlaylistItemID int64 `json:"playlist_item_id"`
}

type none struct{}

// MultiplayerEndpoint 多人房間的方法表
func MultiplayerEndpoint(c *multiplayer.Coordinator) Endpoint {
	return Endpoint{
		Lifecycle: c,
		Methods: map[string]Method{
			"JoinRoom": roomMethod(func(ctx context.Context, caller multiplayer.Caller, args roomIDArgs) (any, error) {
				return c.JoinRoom(ctx, caller, args.RoomID)
			}),
			"LeaveRoom": roomMethod(func(ctx context.Context, caller multiplayer.Caller, _ none) (any, error) {
				return noResult(c.LeaveRoom(ctx, caller))
			}),
			"KickUser": roomMethod(func(ctx context.Context, caller multiplayer.Caller, args userIDArgs) (any, error) {
				return noResult(c.KickUser(ctx, caller, args.UserID))
			}),
			"TransferHost": roomMethod(func(ctx context.Context, caller multiplayer.Caller, args userIDArgs) (any, error) {
				return noResult(c.TransferHost(ctx, caller, args.UserID))
			}),
			"ChangeState": roomMethod(func(ctx context.Context, caller multiplayer.Caller, args stateArgs) (any, error) {
				return noResult(c.ChangeState(ctx, caller, args.State))
			}),
			"ChangeSettings": roomMethod(func(ctx context.Context, caller multiplayer.Caller, settings multiplayer.Settings) (any, error) {
				return noResult(c.ChangeSettings(ctx, caller, settings))
			}),
			"ChangeUserStyle": roomMethod(func(ctx context.Context, caller multiplayer.Caller, args styleArgs) (any, error) {
				return noResult(c.ChangeUserStyle(ctx, caller, args.BeatmapID, args.RulesetID))
			}),
			"StartMatch": roomMethod(func(ctx context.Context, caller multiplayer.Caller, _ none) (any, error) {
				return noResult(c.StartMatch(ctx, caller))
			}),
			"SendMatchRequest": roomMethod(func(ctx context.Context, caller multiplayer.Caller, request multiplayer.MatchRequest) (any, error) {
				return noResult(c.SendMatchRequest(ctx, caller, request))
			}),
			"AddPlaylistItem": roomMethod(func(ctx context.Context, caller multiplayer.Caller, item database.PlaylistItem) (any, error) {
				return c.AddPlaylistItem(ctx, caller, item)
			}),
			"EditPlaylistItem": roomMethod(func(ctx context.Context, caller multiplayer.Caller, item database.PlaylistItem) (any, error) {
				return noResult(c.EditPlaylistItem(ctx, caller, item))
			}),
			"RemovePlaylistItem": roomMethod(func(ctx context.Context, caller multiplayer.Caller, args playlistItemIDArgs) (any, error) {
				return noResult(c.RemovePlaylistItem(ctx, caller, args.PlaylistItemID))
			}),
		},
	}
}

type statusArgs struct {
	Status metadata.UserStatus `json:"status"`
}

type activityArgs struct {
	Activity *metadata.UserActivity `json:"activity"`
}

// metadataMethod metadata 操作直接使用連線狀態
func metadataMethod[A any](fn func(ctx context.Context, client connection.ClientState, args A) (any, error)) Method {
	return func(ctx context.Context, client connection.ClientState, raw json.RawMessage) (any, error) {
		args, err := decodeArgs[A](raw)
		if err != nil {
			return nil, err
		}
		return fn(ctx, client, args)
	}
}

// MetadataEndpoint 線上狀態與每日譜面的方法表
func MetadataEndpoint(s *metadata.Service) Endpoint {
	return Endpoint{
		Lifecycle: s,
		Methods: map[string]Method{
			"UpdateStatus": metadataMethod(func(ctx context.Context, client connection.ClientState, args statusArgs) (any, error) {
				return noResult(s.UpdateStatus(ctx, client, args.Status))
			}),
			"UpdateActivity": metadataMethod(func(ctx context.Context, client connection.ClientState, args activityArgs) (any, error) {
				return noResult(s.UpdateActivity(ctx, client, args.Activity))
			}),
			"BeginWatchingUserPresence": metadataMethod(func(ctx context.Context, client connection.ClientState, _ none) (any, error) {
				return s.BeginWatchingUserPresence(ctx, client)
			}),
			"EndWatchingUserPresence": metadataMethod(func(ctx context.Context, client connection.ClientState, _ none) (any, error) {
				return noResult(s.EndWatchingUserPresence(ctx, client))
			}),
			"GetBeatmapOfTheDay": metadataMethod(func(ctx context.Context, _ connection.ClientState, _ none) (any, error) {
				return s.GetBeatmapOfTheDay(ctx), nil
			}),
		},
	}
}
