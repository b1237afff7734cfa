// Package updates replays batches of server-side events missed while the
// client was disconnected, bringing cached message pages back in sync.
package updates

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/veia-chat/veia/internal/client/models"
	"github.com/veia-chat/veia/internal/client/store"
	"github.com/veia-chat/veia/internal/protocol"
)

type deleteBody struct {
	MessageID string `json:"message_id"`
}

type editBody struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

type readBody struct {
	MessageIDs []string `json:"message_ids"`
}

// Apply groups a flat update batch by chat, preserving the relative order
// within each chat, and replays each group against that chat's cached
// page. Chats without a cached page get an empty one created. Replaying
// the same batch twice is a no-op the second time.
func Apply(st *store.Store, batch []protocol.Update, log zerolog.Logger) {
	byChat := make(map[string][]protocol.Update)
	var order []string
	for _, upd := range batch {
		if upd.ChatID == "" {
			log.Warn().Str("type", upd.Type).Msg("update without chat id, skipping")
			continue
		}
		if _, seen := byChat[upd.ChatID]; !seen {
			order = append(order, upd.ChatID)
		}
		byChat[upd.ChatID] = append(byChat[upd.ChatID], upd)
	}

	for _, chatID := range order {
		page := st.Messages(chatID)
		if page == nil {
			page = &models.MessagePage{}
		}
		for _, upd := range byChat[chatID] {
			applyOne(page, upd, log)
		}
		st.Set(store.MessagesKey(chatID), page)
	}
}

func applyOne(page *models.MessagePage, upd protocol.Update, log zerolog.Logger) {
	switch upd.Type {
	case protocol.UpdateNewMessage:
		var msg models.Message
		if err := json.Unmarshal(upd.Body, &msg); err != nil {
			log.Warn().Err(err).Msg("bad new_message update body")
			return
		}
		for _, existing := range page.Messages {
			if existing.ID == msg.ID {
				return
			}
		}
		msg.ChatID = upd.ChatID
		page.Messages = append(page.Messages, msg)

	case protocol.UpdateDeleteMessage:
		var body deleteBody
		if err := json.Unmarshal(upd.Body, &body); err != nil {
			log.Warn().Err(err).Msg("bad delete_message update body")
			return
		}
		for i, existing := range page.Messages {
			if existing.ID == body.MessageID {
				page.Messages = append(page.Messages[:i], page.Messages[i+1:]...)
				return
			}
		}

	case protocol.UpdateEditMessage:
		var body editBody
		if err := json.Unmarshal(upd.Body, &body); err != nil {
			log.Warn().Err(err).Msg("bad edit_message update body")
			return
		}
		for i := range page.Messages {
			if page.Messages[i].ID == body.MessageID {
				page.Messages[i].Text = body.Text
				return
			}
		}

	case protocol.UpdateReadMessage:
		var body readBody
		if err := json.Unmarshal(upd.Body, &body); err != nil {
			log.Warn().Err(err).Msg("bad read_message update body")
			return
		}
		read := make(map[string]bool, len(body.MessageIDs))
		for _, id := range body.MessageIDs {
			read[id] = true
		}
		for i := range page.Messages {
			if read[page.Messages[i].ID] {
				page.Messages[i].Status = models.StatusRead
			}
		}

	default:
		log.Warn().Str("type", upd.Type).Msg("unknown update type, skipping")
	}
}
