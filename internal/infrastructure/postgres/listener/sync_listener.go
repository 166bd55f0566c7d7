// Package listener receives sync requests published with PostgreSQL
// NOTIFY, so any process sharing the database can queue work on the
// scheduler running in the API server.
package listener

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
)

const (
	ChannelName       = "sync_requested"
	reconnectInterval = 5 * time.Second
	pingInterval      = 90 * time.Second
)

// SyncNotification is the NOTIFY payload.
type SyncNotification struct {
	AccountIDs []string `json:"account_ids"`
}

// SyncRequester queues an account for reconciliation.
type SyncRequester interface {
	RequestSync(accountID string) error
}

// Execer is satisfied by *sql.DB and the traced postgres.DB.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Publish asks every running listener to queue the given accounts.
func Publish(ctx context.Context, db Execer, accountIDs ...string) error {
	if len(accountIDs) == 0 {
		return errors.New("no account ids to publish")
	}
	payload, err := json.Marshal(SyncNotification{AccountIDs: accountIDs})
	if err != nil {
		return fmt.Errorf("failed to encode sync notification: %w", err)
	}
	if _, err := db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, ChannelName, string(payload)); err != nil {
		return fmt.Errorf("failed to publish sync notification: %w", err)
	}
	return nil
}

// SyncListener forwards sync notifications to a SyncRequester.
type SyncListener struct {
	connStr    string
	requester  SyncRequester
	shutdownCh chan struct{}
	done       chan struct{}
}

// NewSyncListener creates a new listener for sync request notifications
func NewSyncListener(connStr string, requester SyncRequester) *SyncListener {
	return &SyncListener{
		connStr:    connStr,
		requester:  requester,
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins listening for notifications in a background goroutine
func (l *SyncListener) Start(ctx context.Context) {
	go l.listen(ctx)
	log.Println("Sync request listener started")
}

// Stop gracefully shuts down the listener
func (l *SyncListener) Stop() {
	close(l.shutdownCh)
	<-l.done
	log.Println("Sync request listener stopped")
}

func (l *SyncListener) listen(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		default:
			l.connectAndListen(ctx)
		}

		// Wait before reconnecting
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(reconnectInterval):
			log.Println("Reconnecting to PostgreSQL for sync notifications...")
		}
	}
}

func (l *SyncListener) connectAndListen(ctx context.Context) {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			log.Println("Connected to PostgreSQL notification channel")
		case pq.ListenerEventDisconnected:
			log.Printf("Disconnected from PostgreSQL notification channel: %v", err)
		case pq.ListenerEventReconnected:
			log.Println("Reconnected to PostgreSQL notification channel")
		case pq.ListenerEventConnectionAttemptFailed:
			log.Printf("Connection attempt failed: %v", err)
		}
	})
	defer listener.Close()

	if err := listener.Listen(ChannelName); err != nil {
		log.Printf("Failed to listen on channel %s: %v", ChannelName, err)
		return
	}

	log.Printf("Listening on channel: %s", ChannelName)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case notification := <-listener.Notify:
			if notification == nil {
				// Connection lost, break to reconnect
				return
			}
			l.handleNotification(notification)
		case <-ping.C:
			go func() {
				if err := listener.Ping(); err != nil {
					log.Printf("Listener ping failed: %v", err)
				}
			}()
		}
	}
}

// handleNotification returns how many accounts were queued.
func (l *SyncListener) handleNotification(notification *pq.Notification) int {
	var payload SyncNotification
	if err := json.Unmarshal([]byte(notification.Extra), &payload); err != nil {
		log.Printf("Failed to parse sync notification payload: %v", err)
		return 0
	}

	queued := 0
	for _, id := range payload.AccountIDs {
		if id == "" {
			continue
		}
		if err := l.requester.RequestSync(id); err != nil {
			log.Printf("Account %s: Failed to queue sync from notification: %v", id, err)
			continue
		}
		queued++
	}
	log.Printf("Queued %d of %d accounts from channel %s", queued, len(payload.AccountIDs), notification.Channel)
	return queued
}
