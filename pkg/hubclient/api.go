// Copyright 2024-2026 Aiku AI

package hubclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const maxMediaSize = 50 * 1024 * 1024

// CreateRoomRequest describes a room the bridge wants to exist.
type CreateRoomRequest struct {
	AliasLocalpart string
	Name           string
	Topic          string
	Invite         []id.UserID
	InviteOnly     bool
	IsDirect       bool
}

// CreateRoom creates a room as actor (the bot when empty). If the alias is
// already taken, the existing room's id is returned instead.
func (c *Client) CreateRoom(ctx context.Context, actor id.UserID, req CreateRoomRequest) (id.RoomID, error) {
	cli, err := c.api(actor)
	if err != nil {
		return "", err
	}
	preset := "public_chat"
	visibility := "public"
	if req.InviteOnly {
		preset = "private_chat"
		visibility = "private"
	}
	body := &mautrix.ReqCreateRoom{
		Visibility:    visibility,
		RoomAliasName: req.AliasLocalpart,
		Name:          req.Name,
		Topic:         req.Topic,
		Invite:        req.Invite,
		Preset:        preset,
		IsDirect:      req.IsDirect,
	}
	var roomID id.RoomID
	err = c.do(ctx, "create room", func(ctx context.Context) error {
		resp, err := cli.CreateRoom(ctx, body)
		if err == nil {
			roomID = resp.RoomID
		}
		return err
	})
	if HasCode(err, CodeRoomInUse) && req.AliasLocalpart != "" {
		alias := c.RoomAlias(req.AliasLocalpart)
		c.log.Debug().Stringer("alias", alias).Msg("Room alias already taken, resolving existing room")
		return c.ResolveAlias(ctx, alias)
	}
	return roomID, err
}

// RoomAlias builds a full alias on the bridge's homeserver.
func (c *Client) RoomAlias(localpart string) id.RoomAlias {
	return id.RoomAlias(fmt.Sprintf("#%s:%s", localpart, c.cfg.ServerName))
}

// ResolveAlias returns the room an alias points at.
func (c *Client) ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error) {
	cli, err := c.api("")
	if err != nil {
		return "", err
	}
	var roomID id.RoomID
	err = c.do(ctx, "resolve alias", func(ctx context.Context) error {
		resp, err := cli.ResolveAlias(ctx, alias)
		if err == nil {
			roomID = resp.RoomID
		}
		return err
	})
	return roomID, err
}

type reqRegisterAppservice struct {
	Type         string `json:"type"`
	Username     string `json:"username"`
	InhibitLogin bool   `json:"inhibit_login"`
}

// Register creates a namespaced hub account. An account that already exists
// is not an error.
func (c *Client) Register(ctx context.Context, localpart string) error {
	cli, err := c.api("")
	if err != nil {
		return err
	}
	body := &reqRegisterAppservice{
		Type:         "m.login.application_service",
		Username:     localpart,
		InhibitLogin: true,
	}
	err = c.do(ctx, "register user", func(ctx context.Context) error {
		_, err := cli.MakeRequest(ctx, http.MethodPost, cli.BuildClientURL("v3", "register"), body, nil)
		return err
	})
	if HasCode(err, CodeUserInUse) {
		c.log.Debug().Str("localpart", localpart).Msg("User already registered")
		return nil
	}
	return err
}

// Invite invites userID into roomID as actor. Inviting an existing member
// is not an error.
func (c *Client) Invite(ctx context.Context, actor id.UserID, roomID id.RoomID, userID id.UserID) error {
	cli, err := c.api(actor)
	if err != nil {
		return err
	}
	err = c.do(ctx, "invite user", func(ctx context.Context) error {
		_, err := cli.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
		return err
	})
	if IsAlreadyInRoom(err) {
		c.log.Debug().Stringer("room_id", roomID).Stringer("user_id", userID).Msg("User already in room")
		return nil
	}
	return err
}

// Join joins roomID as userID.
func (c *Client) Join(ctx context.Context, userID id.UserID, roomID id.RoomID) error {
	cli, err := c.api(userID)
	if err != nil {
		return err
	}
	return c.do(ctx, "join room", func(ctx context.Context) error {
		_, err := cli.JoinRoomByID(ctx, roomID)
		return err
	})
}

// Leave leaves roomID as userID.
func (c *Client) Leave(ctx context.Context, userID id.UserID, roomID id.RoomID) error {
	cli, err := c.api(userID)
	if err != nil {
		return err
	}
	return c.do(ctx, "leave room", func(ctx context.Context) error {
		_, err := cli.LeaveRoom(ctx, roomID)
		return err
	})
}

// SendMessage sends a message event as sender. Only rate limits are retried,
// and those reuse the same transaction id so the homeserver deduplicates.
func (c *Client) SendMessage(ctx context.Context, sender id.UserID, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	cli, err := c.api(sender)
	if err != nil {
		return "", err
	}
	txnID := "bridge-" + uuid.NewString()
	var eventID id.EventID
	err = c.do(ctx, "send message", func(ctx context.Context) error {
		resp, err := cli.SendMessageEvent(ctx, roomID, event.EventMessage, content, mautrix.ReqSendEvent{TransactionID: txnID})
		if err == nil {
			eventID = resp.EventID
		}
		return err
	})
	return eventID, err
}

// SendNotice sends a plain notice as the bot.
func (c *Client) SendNotice(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	return c.SendMessage(ctx, "", roomID, &event.MessageEventContent{MsgType: event.MsgNotice, Body: text})
}

// SetDisplayName sets userID's display name.
func (c *Client) SetDisplayName(ctx context.Context, userID id.UserID, name string) error {
	cli, err := c.api(userID)
	if err != nil {
		return err
	}
	return c.do(ctx, "set display name", func(ctx context.Context) error {
		return cli.SetDisplayName(ctx, name)
	})
}

// GetAvatarURL returns userID's avatar, or an empty URI if none is set.
func (c *Client) GetAvatarURL(ctx context.Context, userID id.UserID) (id.ContentURI, error) {
	cli, err := c.api("")
	if err != nil {
		return id.ContentURI{}, err
	}
	var uri id.ContentURI
	err = c.do(ctx, "get avatar url", func(ctx context.Context) error {
		var err error
		uri, err = cli.GetAvatarURL(ctx, userID)
		return err
	})
	if HasCode(err, CodeNotFound) {
		return id.ContentURI{}, nil
	}
	return uri, err
}

// SetAvatarURL sets userID's avatar.
func (c *Client) SetAvatarURL(ctx context.Context, userID id.UserID, uri id.ContentURI) error {
	cli, err := c.api(userID)
	if err != nil {
		return err
	}
	return c.do(ctx, "set avatar url", func(ctx context.Context) error {
		return cli.SetAvatarURL(ctx, uri)
	})
}

type roomAvatarContent struct {
	URL string `json:"url,omitempty"`
}

// GetRoomAvatar returns the room's avatar, or an empty URI if none is set.
func (c *Client) GetRoomAvatar(ctx context.Context, roomID id.RoomID) (id.ContentURI, error) {
	cli, err := c.api("")
	if err != nil {
		return id.ContentURI{}, err
	}
	var content roomAvatarContent
	err = c.do(ctx, "get room avatar", func(ctx context.Context) error {
		return cli.StateEvent(ctx, roomID, event.StateRoomAvatar, "", &content)
	})
	if HasCode(err, CodeNotFound) || (err == nil && content.URL == "") {
		return id.ContentURI{}, nil
	} else if err != nil {
		return id.ContentURI{}, err
	}
	uri, err := id.ParseContentURI(content.URL)
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("failed to parse room avatar of %s: %w", roomID, err)
	}
	return uri, nil
}

// SetRoomAvatar sets the room's avatar as actor.
func (c *Client) SetRoomAvatar(ctx context.Context, actor id.UserID, roomID id.RoomID, uri id.ContentURI) error {
	cli, err := c.api(actor)
	if err != nil {
		return err
	}
	return c.do(ctx, "set room avatar", func(ctx context.Context) error {
		_, err := cli.SendStateEvent(ctx, roomID, event.StateRoomAvatar, "", &roomAvatarContent{URL: uri.String()})
		return err
	})
}

// Upload stores data in the homeserver's media repository as userID.
func (c *Client) Upload(ctx context.Context, userID id.UserID, data []byte, contentType string) (id.ContentURI, error) {
	cli, err := c.api(userID)
	if err != nil {
		return id.ContentURI{}, err
	}
	var uri id.ContentURI
	err = c.do(ctx, "upload media", func(ctx context.Context) error {
		resp, err := cli.UploadBytes(ctx, data, contentType)
		if err == nil {
			uri = resp.ContentURI
		}
		return err
	})
	return uri, err
}

// FetchMedia downloads a file from an external URL, returning its bytes and
// content type.
func (c *Client) FetchMedia(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build media request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", &RequestError{Op: "fetch media", StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", url, err)
	}
	if len(data) > maxMediaSize {
		return nil, "", fmt.Errorf("media at %s is larger than %d bytes", url, maxMediaSize)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}
