// Package elicitation backs the built-in elicit(prompt, schema) host
// tool: a sandboxed execution parks mid-flight on a caller response
// recorded in MongoDB, polled until it arrives or the execution's own
// timeout expires.
package elicitation

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Request is the document written when code calls elicit(prompt,
// schema); Response is written back by POST
// /v1/executions/{id}/elicitations/{callId}.
type Request struct {
	ExecutionID string      `bson:"execution_id"`
	CallID      string      `bson:"call_id"`
	Prompt      string      `bson:"prompt"`
	Schema      interface{} `bson:"schema"`
	CreatedAt   time.Time   `bson:"created_at"`
}

type Response struct {
	ExecutionID string      `bson:"execution_id"`
	CallID      string      `bson:"call_id"`
	Value       interface{} `bson:"value"`
	AnsweredAt  time.Time   `bson:"answered_at"`
}

// PendingNotifier is called the moment a Request is recorded, so the
// SSE transport can emit an elicitation.pending event without polling
// Mongo itself.
type PendingNotifier func(Request)

// Store persists elicitation requests/responses and lets a host-tool
// handler block on an answer up to a deadline.
type Store struct {
	client    *mongo.Client
	requests  *mongo.Collection
	responses *mongo.Collection
}

// NewStore connects to uri/db, verifies connectivity, and ensures the
// lookup indexes used by Await and Answer exist.
func NewStore(uri, db string) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("elicitation: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("elicitation: ping: %w", err)
	}

	database := client.Database(db)
	s := &Store{
		client:    client,
		requests:  database.Collection("elicitation_requests"),
		responses: database.Collection("elicitation_responses"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.requests.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "execution_id", Value: 1}, {Key: "call_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("elicitation: ensure request index: %w", err)
	}
	_, err = s.responses.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "execution_id", Value: 1}, {Key: "call_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("elicitation: ensure response index: %w", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ask records req and returns. The caller (the elicit tool handler)
// follows up with Await to block for the matching Response.
func (s *Store) Ask(ctx context.Context, req Request) error {
	req.CreatedAt = time.Now()
	_, err := s.requests.InsertOne(ctx, req)
	return err
}

// pollInterval is deliberately short: elicitation answers are a
// human-paced interaction, not a hot loop, and short-polling keeps
// this store usable without a Mongo deployment that supports change
// streams (standalone, not just replica sets).
const pollInterval = 250 * time.Millisecond

// Await blocks until a Response matching executionID/callID is
// written, ctx is cancelled, or deadline elapses, whichever comes
// first, returning an error in the latter two cases rather than
// panicking or terminating the execution.
func (s *Store) Await(ctx context.Context, executionID, callID string, deadline time.Duration) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	filter := bson.M{"execution_id": executionID, "call_id": callID}
	for {
		var resp Response
		err := s.responses.FindOne(ctx, filter).Decode(&resp)
		if err == nil {
			return resp.Value, nil
		}
		if err != mongo.ErrNoDocuments {
			return nil, fmt.Errorf("elicitation: await: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("elicitation: timed out waiting for response to %s/%s", executionID, callID)
		case <-ticker.C:
		}
	}
}

// Answer records the caller's response to a pending elicitation,
// waking any Await loop on its next poll.
func (s *Store) Answer(ctx context.Context, resp Response) error {
	resp.AnsweredAt = time.Now()
	opts := options.Update().SetUpsert(true)
	filter := bson.M{"execution_id": resp.ExecutionID, "call_id": resp.CallID}
	_, err := s.responses.UpdateOne(ctx, filter, bson.M{"$set": resp}, opts)
	return err
}
