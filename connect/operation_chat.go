package connect

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// chat backend operations
// the documents target the hasura `chats` and `messages` tables


const (
	EntityTypeChat    EntityType = "chats"
	EntityTypeMessage EntityType = "messages"
)

const MessageRoleUser = "user"


const getChatsDocument = `query GetChats($user_id: uuid!) {
  chats(where: { user_id: { _eq: $user_id } }) {
    id
    title
    user_id
  }
}`

const getMessageHistoryDocument = `query GetMessageHistory($chat_id: uuid!) {
  messages(where: { chat_id: { _eq: $chat_id } }, order_by: { created_at: asc }) {
    id
    chat_id
    content
    role
    created_at
  }
}`

const watchMessagesDocument = `subscription GetMessages($chat_id: uuid!) {
  messages(where: { chat_id: { _eq: $chat_id } }, order_by: { created_at: asc }) {
    id
    chat_id
    content
    role
    created_at
  }
}`

const insertMessageDocument = `mutation InsertMessage($id: uuid!, $chat_id: uuid!, $content: String!) {
  insert_messages_one(object: { id: $id, chat_id: $chat_id, content: $content, role: "user" }) {
    id
    chat_id
    content
    role
    created_at
  }
}`

const createChatDocument = `mutation CreateChat($id: uuid!, $user_id: uuid!, $title: String!) {
  insert_chats_one(object: { id: $id, user_id: $user_id, title: $title }) {
    id
    title
    user_id
  }
}`

const deleteChatDocument = `mutation DeleteChat($id: uuid!) {
  delete_chats_by_pk(id: $id) {
    id
  }
}`


type GetChats struct {
	UserId string
}

func NewGetChats(userId string) (*Operation, error) {
	return NewOperation(&GetChats{UserId: userId})
}

func (self *GetChats) Kind() OperationKind { return OperationKindQuery }
func (self *GetChats) Name() string        { return "GetChats" }
func (self *GetChats) Query() string       { return getChatsDocument }
func (self *GetChats) Access() AccessLevel { return AccessAuthenticated }

func (self *GetChats) Variables() map[string]any {
	return map[string]any{
		"user_id": self.UserId,
	}
}

func (self *GetChats) Validate() error {
	return validateEntityId("user_id", self.UserId)
}

func (self *GetChats) Normalize(data json.RawMessage) ([]EntityWrite, error) {
	return normalizeList(data, "chats", EntityTypeChat, map[string]any{
		"user_id": self.UserId,
	})
}


// one-shot message history for a chat
type GetMessageHistory struct {
	ChatId string
}

func NewGetMessageHistory(chatId string) (*Operation, error) {
	return NewOperation(&GetMessageHistory{ChatId: chatId})
}

func (self *GetMessageHistory) Kind() OperationKind { return OperationKindQuery }
func (self *GetMessageHistory) Name() string        { return "GetMessageHistory" }
func (self *GetMessageHistory) Query() string       { return getMessageHistoryDocument }
func (self *GetMessageHistory) Access() AccessLevel { return AccessAuthenticated }

func (self *GetMessageHistory) Variables() map[string]any {
	return map[string]any{
		"chat_id": self.ChatId,
	}
}

func (self *GetMessageHistory) Validate() error {
	return validateEntityId("chat_id", self.ChatId)
}

func (self *GetMessageHistory) Normalize(data json.RawMessage) ([]EntityWrite, error) {
	return normalizeList(data, "messages", EntityTypeMessage, map[string]any{
		"chat_id": self.ChatId,
	})
}


// live messages for a chat. Each push is a full snapshot of the chat's messages.
type WatchMessages struct {
	ChatId string
}

func NewWatchMessages(chatId string) (*Operation, error) {
	return NewOperation(&WatchMessages{ChatId: chatId})
}

func (self *WatchMessages) Kind() OperationKind { return OperationKindSubscription }
func (self *WatchMessages) Name() string        { return "GetMessages" }
func (self *WatchMessages) Query() string       { return watchMessagesDocument }
func (self *WatchMessages) Access() AccessLevel { return AccessAuthenticated }

func (self *WatchMessages) Variables() map[string]any {
	return map[string]any{
		"chat_id": self.ChatId,
	}
}

func (self *WatchMessages) Validate() error {
	return validateEntityId("chat_id", self.ChatId)
}

func (self *WatchMessages) Normalize(data json.RawMessage) ([]EntityWrite, error) {
	return normalizeList(data, "messages", EntityTypeMessage, map[string]any{
		"chat_id": self.ChatId,
	})
}

func (self *WatchMessages) Scope() EntityKey {
	return EntityKey{
		Type: EntityTypeChat,
		Id:   self.ChatId,
	}
}


// The message id is assigned by the client so that an explicit retry of the same
// operation cannot insert the message twice.
type InsertMessage struct {
	Id      string
	ChatId  string
	Content string
}

func NewInsertMessage(chatId string, content string) (*Operation, error) {
	return NewOperation(&InsertMessage{
		Id:      uuid.NewString(),
		ChatId:  chatId,
		Content: strings.TrimSpace(content),
	})
}

func (self *InsertMessage) Kind() OperationKind { return OperationKindMutation }
func (self *InsertMessage) Name() string        { return "InsertMessage" }
func (self *InsertMessage) Query() string       { return insertMessageDocument }
func (self *InsertMessage) Access() AccessLevel { return AccessVerified }

func (self *InsertMessage) Variables() map[string]any {
	return map[string]any{
		"id":      self.Id,
		"chat_id": self.ChatId,
		"content": self.Content,
	}
}

func (self *InsertMessage) Validate() error {
	if _, err := uuid.Parse(self.Id); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	if err := validateEntityId("chat_id", self.ChatId); err != nil {
		return err
	}
	if strings.TrimSpace(self.Content) == "" {
		return errors.New("content: empty")
	}
	return nil
}

func (self *InsertMessage) Normalize(data json.RawMessage) ([]EntityWrite, error) {
	return normalizeOne(data, "insert_messages_one", EntityTypeMessage, map[string]any{
		"chat_id": self.ChatId,
		"content": self.Content,
		"role":    MessageRoleUser,
	})
}


type CreateChat struct {
	Id     string
	UserId string
	Title  string
}

func NewCreateChat(userId string, title string) (*Operation, error) {
	return NewOperation(&CreateChat{
		Id:     uuid.NewString(),
		UserId: userId,
		Title:  strings.TrimSpace(title),
	})
}

func (self *CreateChat) Kind() OperationKind { return OperationKindMutation }
func (self *CreateChat) Name() string        { return "CreateChat" }
func (self *CreateChat) Query() string       { return createChatDocument }
func (self *CreateChat) Access() AccessLevel { return AccessVerified }

func (self *CreateChat) Variables() map[string]any {
	return map[string]any{
		"id":      self.Id,
		"user_id": self.UserId,
		"title":   self.Title,
	}
}

func (self *CreateChat) Validate() error {
	if _, err := uuid.Parse(self.Id); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	if err := validateEntityId("user_id", self.UserId); err != nil {
		return err
	}
	if self.Title == "" {
		return errors.New("title: empty")
	}
	return nil
}

func (self *CreateChat) Normalize(data json.RawMessage) ([]EntityWrite, error) {
	return normalizeOne(data, "insert_chats_one", EntityTypeChat, map[string]any{
		"user_id": self.UserId,
		"title":   self.Title,
	})
}


type DeleteChat struct {
	ChatId string
}

func NewDeleteChat(chatId string) (*Operation, error) {
	return NewOperation(&DeleteChat{ChatId: chatId})
}

func (self *DeleteChat) Kind() OperationKind { return OperationKindMutation }
func (self *DeleteChat) Name() string        { return "DeleteChat" }
func (self *DeleteChat) Query() string       { return deleteChatDocument }
func (self *DeleteChat) Access() AccessLevel { return AccessVerified }

func (self *DeleteChat) Variables() map[string]any {
	return map[string]any{
		"id": self.ChatId,
	}
}

func (self *DeleteChat) Validate() error {
	return validateEntityId("id", self.ChatId)
}

func (self *DeleteChat) Normalize(data json.RawMessage) ([]EntityWrite, error) {
	writes, err := normalizeOne(data, "delete_chats_by_pk", EntityTypeChat, nil)
	if err != nil {
		return nil, err
	}
	for i := range writes {
		writes[i].Delete = true
		writes[i].Fields = nil
	}
	return writes, nil
}


type Chat struct {
	Id     string
	Title  string
	UserId string
}

func ChatFromEntity(entity *Entity) *Chat {
	return &Chat{
		Id:     entity.Id,
		Title:  entity.String("title"),
		UserId: entity.String("user_id"),
	}
}

type Message struct {
	Id        string
	ChatId    string
	Content   string
	Role      string
	CreatedAt string
}

func MessageFromEntity(entity *Entity) *Message {
	return &Message{
		Id:        entity.Id,
		ChatId:    entity.String("chat_id"),
		Content:   entity.String("content"),
		Role:      entity.String("role"),
		CreatedAt: entity.String("created_at"),
	}
}


func validateEntityId(name string, id string) error {
	if id == "" {
		return fmt.Errorf("%s: empty", name)
	}
	if strings.ContainsAny(id, " \t\r\n") {
		return fmt.Errorf("%s: contains whitespace", name)
	}
	return nil
}

// `defaults` fill fields the selection did not return,
// e.g. the filter key of the operation, so that store queries by that key see the entity
func normalizeList(data json.RawMessage, field string, entityType EntityType, defaults map[string]any) ([]EntityWrite, error) {
	raw, err := dataField(data, field)
	if err != nil {
		return nil, err
	}
	var objects []map[string]any
	if err := json.Unmarshal(raw, &objects); err != nil {
		return nil, fmt.Errorf("%s: expected list: %w", field, err)
	}
	writes := make([]EntityWrite, 0, len(objects))
	for _, object := range objects {
		write, err := entityWrite(entityType, object, defaults)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		writes = append(writes, write)
	}
	return writes, nil
}

// a null object normalizes to no writes
func normalizeOne(data json.RawMessage, field string, entityType EntityType, defaults map[string]any) ([]EntityWrite, error) {
	raw, err := dataField(data, field)
	if err != nil {
		return nil, err
	}
	var object map[string]any
	if err := json.Unmarshal(raw, &object); err != nil {
		return nil, fmt.Errorf("%s: expected object: %w", field, err)
	}
	if object == nil {
		return []EntityWrite{}, nil
	}
	write, err := entityWrite(entityType, object, defaults)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return []EntityWrite{write}, nil
}

func dataField(data json.RawMessage, field string) (json.RawMessage, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("malformed data: %w", err)
	}
	raw, ok := root[field]
	if !ok {
		return nil, fmt.Errorf("malformed data: missing %s", field)
	}
	return raw, nil
}

// a numeric `version` column, when selected, becomes the entity version stamp
func entityWrite(entityType EntityType, object map[string]any, defaults map[string]any) (EntityWrite, error) {
	id, ok := object["id"].(string)
	if !ok || id == "" {
		return EntityWrite{}, errors.New("entity without string id")
	}
	fields := map[string]any{}
	for key, value := range defaults {
		fields[key] = value
	}
	for key, value := range object {
		fields[key] = value
	}
	var version int64
	if v, ok := object["version"].(float64); ok {
		version = int64(v)
	}
	return EntityWrite{
		Type:    entityType,
		Id:      id,
		Fields:  fields,
		Version: version,
	}, nil
}
