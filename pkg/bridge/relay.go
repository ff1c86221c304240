// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"net/url"
	"path"

	"github.com/aiku/appservice-bridge/pkg/store"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// RelayServiceMessage sends a plain text service message into the hub room
// linked to serviceRoomID. See RelayServiceMessageContent.
func (br *Bridge) RelayServiceMessage(ctx context.Context, serviceID, serviceRoomID, text, receivingServiceID string) (id.EventID, error) {
	return br.RelayServiceMessageContent(ctx, serviceID, serviceRoomID, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}, receivingServiceID)
}

// RelayServiceMessageContent sends content from the service user serviceID
// into the hub room linked to serviceRoomID. receivingServiceID is the
// service id of the connection the message arrived on, or empty.
//
// An empty event id with a nil error means the message was dropped because
// the receiver is not the room's frontier.
func (br *Bridge) RelayServiceMessageContent(ctx context.Context, serviceID, serviceRoomID string, content *event.MessageEventContent, receivingServiceID string) (id.EventID, error) {
	room, sender, err := br.resolveRelay(ctx, serviceID, serviceRoomID, receivingServiceID)
	if err != nil || room == nil {
		return "", err
	}
	evtID, err := br.Hub.SendMessage(ctx, sender.HubID, room.HubRoomID, content)
	if err != nil {
		return "", fmt.Errorf("failed to relay message into %s: %w", room.HubRoomID, err)
	}
	return evtID, nil
}

// RelayServiceImage fetches the image at imageURL and posts it into the hub
// room linked to serviceRoomID as serviceID.
func (br *Bridge) RelayServiceImage(ctx context.Context, serviceID, serviceRoomID, imageURL, receivingServiceID string) (id.EventID, error) {
	room, sender, err := br.resolveRelay(ctx, serviceID, serviceRoomID, receivingServiceID)
	if err != nil || room == nil {
		return "", err
	}
	data, contentType, err := br.Hub.FetchMedia(ctx, imageURL)
	if err != nil {
		return "", err
	}
	uri, err := br.Hub.Upload(ctx, sender.HubID, data, contentType)
	if err != nil {
		return "", err
	}
	content := &event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    mediaFileName(imageURL),
		URL:     uri.CUString(),
		Info: &event.FileInfo{
			MimeType: contentType,
			Size:     len(data),
		},
	}
	evtID, err := br.Hub.SendMessage(ctx, sender.HubID, room.HubRoomID, content)
	if err != nil {
		return "", fmt.Errorf("failed to relay image into %s: %w", room.HubRoomID, err)
	}
	return evtID, nil
}

// resolveRelay finds the room and sending identity of an inbound service
// message. A nil room with a nil error means the message must be dropped.
func (br *Bridge) resolveRelay(ctx context.Context, serviceID, serviceRoomID, receivingServiceID string) (*store.Room, *store.Identity, error) {
	room, err := br.Store.Room.GetLinkedByServiceRoomID(ctx, serviceRoomID)
	if err != nil {
		return nil, nil, err
	} else if room == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoLinkedRoom, serviceRoomID)
	}
	log := br.Log.With().
		Str("service_id", serviceID).
		Str("service_room_id", serviceRoomID).
		Stringer("room_id", room.HubRoomID).
		Logger()
	if admitted, err := br.Frontier.Admit(room, receivingServiceID); err != nil {
		return nil, nil, err
	} else if !admitted {
		return nil, nil, nil
	}
	sender, err := br.Store.Identity.GetByServiceID(ctx, serviceID)
	if err != nil {
		return nil, nil, err
	} else if sender == nil {
		return nil, nil, fmt.Errorf("%w: service id %q", ErrUnknownIdentity, serviceID)
	} else if !sender.IsManaged() {
		// The hub already has the authenticated user's own copy.
		log.Debug().Msg("Dropping service message sent by an authenticated identity")
		return nil, nil, nil
	}
	if !room.HasMember(sender.HubID) {
		return nil, nil, fmt.Errorf("%w: %s in %s", ErrNotMember, sender.HubID, room.HubRoomID)
	}
	return room, sender, nil
}

// SetProfileImage sets the hub avatar of hubID to the image at imageURL. An
// existing avatar is kept unless force is set.
func (br *Bridge) SetProfileImage(ctx context.Context, hubID id.UserID, imageURL string, force bool) error {
	if !force {
		current, err := br.Hub.GetAvatarURL(ctx, hubID)
		if err != nil {
			return err
		} else if !current.IsEmpty() {
			return nil
		}
	}
	uri, err := br.uploadFrom(ctx, hubID, imageURL)
	if err != nil {
		return err
	}
	return br.Hub.SetAvatarURL(ctx, hubID, uri)
}

// SetRoomImage sets the avatar of a hub room to the image at imageURL. An
// existing avatar is kept unless force is set.
func (br *Bridge) SetRoomImage(ctx context.Context, roomID id.RoomID, imageURL string, force bool) error {
	if !force {
		current, err := br.Hub.GetRoomAvatar(ctx, roomID)
		if err != nil {
			return err
		} else if !current.IsEmpty() {
			return nil
		}
	}
	uri, err := br.uploadFrom(ctx, "", imageURL)
	if err != nil {
		return err
	}
	return br.Hub.SetRoomAvatar(ctx, "", roomID, uri)
}

func (br *Bridge) uploadFrom(ctx context.Context, uploader id.UserID, imageURL string) (id.ContentURI, error) {
	data, contentType, err := br.Hub.FetchMedia(ctx, imageURL)
	if err != nil {
		return id.ContentURI{}, err
	}
	return br.Hub.Upload(ctx, uploader, data, contentType)
}

func mediaFileName(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Path == "" || parsed.Path == "/" {
		return "image"
	}
	return path.Base(parsed.Path)
}
