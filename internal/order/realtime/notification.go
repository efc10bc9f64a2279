package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/warung/internal/order/domain"
)

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

type Entity string

const (
	EntityTable     Entity = "table"
	EntityOrder     Entity = "order"
	EntityOrderItem Entity = "order_item"
)

var (
	ErrInvalidNotification = errors.New("invalid_notification")
	ErrUnknownEventType    = errors.New("unknown_event_type")
	ErrUnknownEntity       = errors.New("unknown_entity")
	ErrMissingRecord       = errors.New("missing_record")
)

// Notification is a decoded change pushed by another till. It is one of
// TableNotification, OrderNotification or ItemNotification.
type Notification interface {
	Header() Header
	Entity() Entity
	// OrderID is the order the change belongs to, zero for table changes.
	OrderID() snowflake.ID
}

// Header carries the fields shared by every notification.
type Header struct {
	Event      EventType    `json:"event_type"`
	BusinessID snowflake.ID `json:"business_id"`
	Origin     string       `json:"origin,omitempty"`
}

type TableNotification struct {
	Head  Header
	Table domain.Table
}

func (n TableNotification) Header() Header        { return n.Head }
func (n TableNotification) Entity() Entity        { return EntityTable }
func (n TableNotification) OrderID() snowflake.ID { return 0 }

type OrderNotification struct {
	Head  Header
	Order domain.Order
}

func (n OrderNotification) Header() Header        { return n.Head }
func (n OrderNotification) Entity() Entity        { return EntityOrder }
func (n OrderNotification) OrderID() snowflake.ID { return n.Order.ID }

type ItemNotification struct {
	Head Header
	Item domain.OrderItem
}

func (n ItemNotification) Header() Header        { return n.Head }
func (n ItemNotification) Entity() Entity        { return EntityOrderItem }
func (n ItemNotification) OrderID() snowflake.ID { return n.Item.OrderID }

// envelope is the transport shape: a row-level change with new and old images.
type envelope struct {
	EventType  string          `json:"event_type"`
	Entity     string          `json:"entity"`
	BusinessID flexID          `json:"business_id"`
	Origin     string          `json:"origin,omitempty"`
	New        json.RawMessage `json:"new,omitempty"`
	Old        json.RawMessage `json:"old,omitempty"`
}

type tableRecord struct {
	ID             flexID     `json:"id"`
	BusinessID     flexID     `json:"business_id"`
	Number         int        `json:"number"`
	Status         string     `json:"status"`
	CurrentOrderID *flexID    `json:"current_order_id"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

type orderRecord struct {
	ID         flexID     `json:"id"`
	BusinessID flexID     `json:"business_id"`
	TableID    flexID     `json:"table_id"`
	Status     string     `json:"status"`
	Total      int64      `json:"total"`
	OpenedAt   *time.Time `json:"opened_at,omitempty"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

type itemRecord struct {
	ID        flexID     `json:"id"`
	OrderID   flexID     `json:"order_id"`
	ProductID string     `json:"product_id"`
	UnitPrice int64      `json:"unit_price"`
	Quantity  int        `json:"quantity"`
	Subtotal  int64      `json:"subtotal"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// flexID accepts ids as JSON numbers or strings; database triggers emit the
// former and this service the latter.
type flexID snowflake.ID

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	raw := strings.Trim(string(b), `"`)
	if raw == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: id %q", ErrInvalidNotification, raw)
	}
	*f = flexID(v)
	return nil
}

func (f flexID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(f), 10))), nil
}

// Decode validates a transport payload and turns it into a Notification.
func Decode(payload []byte) (Notification, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}

	head := Header{
		Event:      EventType(strings.ToLower(strings.TrimSpace(env.EventType))),
		BusinessID: snowflake.ID(env.BusinessID),
		Origin:     strings.TrimSpace(env.Origin),
	}
	switch head.Event {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.EventType)
	}

	record := env.New
	if head.Event == EventDelete {
		record = env.Old
	}
	if isEmptyJSON(record) {
		return nil, ErrMissingRecord
	}

	switch Entity(strings.ToLower(strings.TrimSpace(env.Entity))) {
	case EntityTable:
		return decodeTable(head, record)
	case EntityOrder:
		return decodeOrder(head, record)
	case EntityOrderItem:
		return decodeItem(head, record)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, env.Entity)
	}
}

func decodeTable(head Header, raw json.RawMessage) (Notification, error) {
	var rec tableRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if rec.ID == 0 {
		return nil, fmt.Errorf("%w: table id", ErrInvalidNotification)
	}
	table := domain.Table{
		ID:         snowflake.ID(rec.ID),
		BusinessID: snowflake.ID(rec.BusinessID),
		Number:     rec.Number,
		Status:     domain.TableStatus(rec.Status),
		CreatedAt:  derefTime(rec.CreatedAt),
		UpdatedAt:  derefTime(rec.UpdatedAt),
	}
	if rec.CurrentOrderID != nil && *rec.CurrentOrderID != 0 {
		id := snowflake.ID(*rec.CurrentOrderID)
		table.CurrentOrderID = &id
	}
	if head.Event != EventDelete {
		if table.Status != domain.TableStatusAvailable && table.Status != domain.TableStatusOccupied {
			return nil, fmt.Errorf("%w: table status %q", ErrInvalidNotification, rec.Status)
		}
		if table.Number <= 0 {
			return nil, fmt.Errorf("%w: table number", ErrInvalidNotification)
		}
	}
	if head.BusinessID == 0 {
		head.BusinessID = table.BusinessID
	}
	return TableNotification{Head: head, Table: table}, nil
}

func decodeOrder(head Header, raw json.RawMessage) (Notification, error) {
	var rec orderRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if rec.ID == 0 || rec.TableID == 0 {
		return nil, fmt.Errorf("%w: order id", ErrInvalidNotification)
	}
	order := domain.Order{
		ID:         snowflake.ID(rec.ID),
		BusinessID: snowflake.ID(rec.BusinessID),
		TableID:    snowflake.ID(rec.TableID),
		Status:     domain.OrderStatus(rec.Status),
		Total:      rec.Total,
		OpenedAt:   derefTime(rec.OpenedAt),
		ClosedAt:   rec.ClosedAt,
		UpdatedAt:  derefTime(rec.UpdatedAt),
	}
	if head.Event != EventDelete && order.Status != domain.OrderStatusOpen && order.Status != domain.OrderStatusClosed {
		return nil, fmt.Errorf("%w: order status %q", ErrInvalidNotification, rec.Status)
	}
	if rec.Total < 0 {
		return nil, fmt.Errorf("%w: order total", ErrInvalidNotification)
	}
	if head.BusinessID == 0 {
		head.BusinessID = order.BusinessID
	}
	return OrderNotification{Head: head, Order: order}, nil
}

func decodeItem(head Header, raw json.RawMessage) (Notification, error) {
	var rec itemRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if rec.ID == 0 || rec.OrderID == 0 {
		return nil, fmt.Errorf("%w: item id", ErrInvalidNotification)
	}
	if head.Event != EventDelete {
		if rec.Quantity < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, domain.ErrInvalidQuantity)
		}
		if rec.UnitPrice < 0 || strings.TrimSpace(rec.ProductID) == "" {
			return nil, fmt.Errorf("%w: item line", ErrInvalidNotification)
		}
	}
	item := domain.OrderItem{
		ID:        snowflake.ID(rec.ID),
		OrderID:   snowflake.ID(rec.OrderID),
		ProductID: rec.ProductID,
		UnitPrice: rec.UnitPrice,
		Quantity:  rec.Quantity,
		Subtotal:  rec.Subtotal,
		CreatedAt: derefTime(rec.CreatedAt),
		UpdatedAt: derefTime(rec.UpdatedAt),
	}
	return ItemNotification{Head: head, Item: item}, nil
}

// Encode renders a notification in transport shape.
func Encode(n Notification) ([]byte, error) {
	head := n.Header()
	env := envelope{
		EventType:  string(head.Event),
		Entity:     string(n.Entity()),
		BusinessID: flexID(head.BusinessID),
		Origin:     head.Origin,
	}

	var record any
	switch v := n.(type) {
	case TableNotification:
		rec := tableRecord{
			ID:         flexID(v.Table.ID),
			BusinessID: flexID(v.Table.BusinessID),
			Number:     v.Table.Number,
			Status:     string(v.Table.Status),
			CreatedAt:  timePtr(v.Table.CreatedAt),
			UpdatedAt:  timePtr(v.Table.UpdatedAt),
		}
		if v.Table.CurrentOrderID != nil {
			id := flexID(*v.Table.CurrentOrderID)
			rec.CurrentOrderID = &id
		}
		record = rec
	case OrderNotification:
		record = orderRecord{
			ID:         flexID(v.Order.ID),
			BusinessID: flexID(v.Order.BusinessID),
			TableID:    flexID(v.Order.TableID),
			Status:     string(v.Order.Status),
			Total:      v.Order.Total,
			OpenedAt:   timePtr(v.Order.OpenedAt),
			ClosedAt:   v.Order.ClosedAt,
			UpdatedAt:  timePtr(v.Order.UpdatedAt),
		}
	case ItemNotification:
		record = itemRecord{
			ID:        flexID(v.Item.ID),
			OrderID:   flexID(v.Item.OrderID),
			ProductID: v.Item.ProductID,
			UnitPrice: v.Item.UnitPrice,
			Quantity:  v.Item.Quantity,
			Subtotal:  v.Item.LineTotal(),
			CreatedAt: timePtr(v.Item.CreatedAt),
			UpdatedAt: timePtr(v.Item.UpdatedAt),
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEntity, n)
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	if head.Event == EventDelete {
		env.Old = raw
	} else {
		env.New = raw
	}
	return json.Marshal(env)
}

// FromMutation describes a successful remote write as the notifications other
// tills should receive.
func FromMutation(m domain.Mutation, businessID snowflake.ID, origin string) []Notification {
	head := func(event EventType) Header {
		return Header{Event: event, BusinessID: businessID, Origin: origin}
	}
	switch m.Kind {
	case domain.MutationInsertTable:
		return []Notification{TableNotification{Head: head(EventInsert), Table: *m.Table}}
	case domain.MutationUpdateTable:
		return []Notification{TableNotification{Head: head(EventUpdate), Table: *m.Table}}
	case domain.MutationDeleteTable:
		return []Notification{TableNotification{Head: head(EventDelete), Table: *m.Table}}
	case domain.MutationInsertOrder:
		return []Notification{OrderNotification{Head: head(EventInsert), Order: *m.Order}}
	case domain.MutationUpdateOrder:
		return []Notification{OrderNotification{Head: head(EventUpdate), Order: *m.Order}}
	case domain.MutationInsertItem:
		return []Notification{ItemNotification{Head: head(EventInsert), Item: *m.Item}}
	case domain.MutationUpdateItem:
		return []Notification{ItemNotification{Head: head(EventUpdate), Item: *m.Item}}
	case domain.MutationDeleteItem:
		return []Notification{ItemNotification{Head: head(EventDelete), Item: *m.Item}}
	}
	return nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || string(trimmed) == "null" || string(trimmed) == "{}"
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
