package realtime

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/warung/internal/order/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAcceptsNumericAndStringIDs(t *testing.T) {
	payload := `{
		"event_type": "UPDATE",
		"entity": "table",
		"business_id": 1,
		"new": {"id": "10", "business_id": 1, "number": 3, "status": "occupied", "current_order_id": 20}
	}`
	n, err := Decode([]byte(payload))
	require.NoError(t, err)

	tn, ok := n.(TableNotification)
	require.True(t, ok)
	assert.Equal(t, EventUpdate, tn.Header().Event)
	assert.Equal(t, snowflake.ID(10), tn.Table.ID)
	assert.Equal(t, domain.TableStatusOccupied, tn.Table.Status)
	require.NotNil(t, tn.Table.CurrentOrderID)
	assert.Equal(t, snowflake.ID(20), *tn.Table.CurrentOrderID)
}

func TestDecodeDeleteReadsOldImage(t *testing.T) {
	payload := `{"event_type":"delete","entity":"order_item","business_id":1,"old":{"id":5,"order_id":20}}`
	n, err := Decode([]byte(payload))
	require.NoError(t, err)

	in, ok := n.(ItemNotification)
	require.True(t, ok)
	assert.Equal(t, snowflake.ID(5), in.Item.ID)
	assert.Equal(t, snowflake.ID(20), in.OrderID())
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]struct {
		payload string
		err     error
	}{
		"not json":       {`{`, ErrInvalidNotification},
		"unknown event":  {`{"event_type":"upsert","entity":"table","new":{"id":1}}`, ErrUnknownEventType},
		"unknown entity": {`{"event_type":"insert","entity":"menu","new":{"id":1}}`, ErrUnknownEntity},
		"missing new":    {`{"event_type":"insert","entity":"table"}`, ErrMissingRecord},
		"empty new":      {`{"event_type":"update","entity":"order","new":{}}`, ErrMissingRecord},
		"bad id":         {`{"event_type":"insert","entity":"table","new":{"id":"abc","number":1,"status":"available"}}`, ErrInvalidNotification},
		"bad status":     {`{"event_type":"insert","entity":"table","new":{"id":1,"number":1,"status":"dirty"}}`, ErrInvalidNotification},
		"negative qty":   {`{"event_type":"update","entity":"order_item","new":{"id":1,"order_id":2,"product_id":"kopi","unit_price":1,"quantity":-1}}`, ErrInvalidNotification},
		"order no table": {`{"event_type":"insert","entity":"order","new":{"id":1,"status":"open"}}`, ErrInvalidNotification},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(tc.payload))
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestEncodeDecodeOrder(t *testing.T) {
	in := OrderNotification{
		Head:  Header{Event: EventInsert, BusinessID: 1, Origin: "till-1"},
		Order: domain.Order{ID: 20, BusinessID: 1, TableID: 10, Status: domain.OrderStatusOpen},
	}
	raw, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(raw)
	require.NoError(t, err)
	on, ok := out.(OrderNotification)
	require.True(t, ok)
	assert.Equal(t, in.Head, on.Head)
	assert.Equal(t, in.Order.ID, on.Order.ID)
	assert.Equal(t, in.Order.TableID, on.Order.TableID)
	assert.Equal(t, domain.OrderStatusOpen, on.Order.Status)
}

func TestFromMutation(t *testing.T) {
	item := domain.OrderItem{ID: 5, OrderID: 20, ProductID: "kopi", UnitPrice: 8000, Quantity: 1}
	got := FromMutation(domain.Mutation{Kind: domain.MutationDeleteItem, Item: &item}, 1, "till-1")
	require.Len(t, got, 1)
	assert.Equal(t, EventDelete, got[0].Header().Event)
	assert.Equal(t, EntityOrderItem, got[0].Entity())
	assert.Equal(t, "till-1", got[0].Header().Origin)

	assert.Empty(t, FromMutation(domain.Mutation{Kind: domain.MutationRecordSales}, 1, "till-1"))
}
