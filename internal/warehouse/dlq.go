package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/imaginglake/backend/internal/faults"
)

// DeadLetter is one row of the dead-letter table, written by the transport's
// BigQuery sink after delivery-attempt exhaustion. Read-only to this system
// except for deletion after successful remediation.
type DeadLetter struct {
	Data             []byte    `bigquery:"data" json:"-"`
	Attributes       string    `bigquery:"attributes" json:"attributes"`
	MessageID        string    `bigquery:"message_id" json:"messageId"`
	SubscriptionName string    `bigquery:"subscription_name" json:"subscriptionName"`
	PublishTime      time.Time `bigquery:"publish_time" json:"publishTime"`
}

// ObjectRef locates the object a dead-lettered notification was about.
type ObjectRef struct {
	Bucket     string
	Name       string
	Generation string
}

// ObjectRef derives (bucket, name, generation) from the decoded data payload
// when possible, falling back to the message attributes.
func (d *DeadLetter) ObjectRef() (ObjectRef, error) {
	var payload struct {
		Bucket     string `json:"bucket"`
		Name       string `json:"name"`
		Generation string `json:"generation"`
	}
	if len(d.Data) > 0 {
		if err := json.Unmarshal(d.Data, &payload); err == nil && payload.Bucket != "" && payload.Name != "" {
			return ObjectRef{Bucket: payload.Bucket, Name: payload.Name, Generation: payload.Generation}, nil
		}
	}

	var attrs struct {
		BucketID string `json:"bucketId"`
		ObjectID string `json:"objectId"`
	}
	if d.Attributes != "" {
		if err := json.Unmarshal([]byte(d.Attributes), &attrs); err == nil && attrs.BucketID != "" && attrs.ObjectID != "" {
			return ObjectRef{Bucket: attrs.BucketID, Name: attrs.ObjectID}, nil
		}
	}

	return ObjectRef{}, faults.InvalidInputf("dead-letter message %s carries no object reference", d.MessageID)
}

// DLQSummaryRow aggregates the dead-letter backlog per subscription.
type DLQSummaryRow struct {
	SubscriptionName string    `bigquery:"subscription_name" json:"subscriptionName"`
	Count            int64     `bigquery:"count" json:"count"`
	Oldest           time.Time `bigquery:"oldest" json:"oldest"`
	Newest           time.Time `bigquery:"newest" json:"newest"`
}

func (c *Client) DLQItems(ctx context.Context, limit, offset int) ([]DeadLetter, error) {
	table, err := c.dlqRef()
	if err != nil {
		return nil, err
	}
	q := Query{
		SQL: "SELECT data, attributes, message_id, subscription_name, publish_time FROM " + table +
			"\nORDER BY publish_time DESC LIMIT @limit OFFSET @offset",
		Params: []bigquery.QueryParameter{
			{Name: "limit", Value: int64(limit)},
			{Name: "offset", Value: int64(offset)},
		},
	}
	it, err := c.read(ctx, q)
	if err != nil {
		return nil, err
	}
	var out []DeadLetter
	for {
		var d DeadLetter
		err := it.Next(&d)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dlq scan: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (c *Client) DLQCount(ctx context.Context) (int64, error) {
	table, err := c.dlqRef()
	if err != nil {
		return 0, err
	}
	return c.readCount(ctx, Query{SQL: "SELECT COUNT(*) AS total FROM " + table})
}

func (c *Client) DLQSummary(ctx context.Context) ([]DLQSummaryRow, error) {
	table, err := c.dlqRef()
	if err != nil {
		return nil, err
	}
	q := Query{
		SQL: "SELECT subscription_name, COUNT(*) AS count, MIN(publish_time) AS oldest, MAX(publish_time) AS newest\n" +
			"FROM " + table + "\nGROUP BY subscription_name\nORDER BY count DESC",
	}
	it, err := c.read(ctx, q)
	if err != nil {
		return nil, err
	}
	var out []DLQSummaryRow
	for {
		var row DLQSummaryRow
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dlq scan: %w", err)
		}
		out = append(out, row)
	}
	return out, nil
}

// DeleteDLQMessages removes remediated rows by message id.
func (c *Client) DeleteDLQMessages(ctx context.Context, messageIDs []string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	table, err := c.dlqRef()
	if err != nil {
		return 0, err
	}
	q := Query{
		SQL:    "DELETE FROM " + table + " WHERE message_id IN UNNEST(@ids)",
		Params: []bigquery.QueryParameter{{Name: "ids", Value: messageIDs}},
	}
	return c.exec(ctx, q)
}

// PurgeDLQ deletes every dead-letter row.
func (c *Client) PurgeDLQ(ctx context.Context) (int64, error) {
	table, err := c.dlqRef()
	if err != nil {
		return 0, err
	}
	return c.exec(ctx, Query{SQL: "DELETE FROM " + table + " WHERE TRUE"})
}
