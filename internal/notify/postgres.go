package notify

import (
	"context"
	"database/sql"
	"time"

	"keysafe.org/internal/ids"
)

var _ Notifier = (*PGNotifier)(nil)

// PGNotifier appends notifications to the shared Postgres schema, from where
// the delivery workers pick them up.
type PGNotifier struct {
	db *sql.DB
}

func NewPGNotifier(db *sql.DB) *PGNotifier {
	return &PGNotifier{db: db}
}

func (n *PGNotifier) Send(ctx context.Context, msg Notification) error {
	channel := msg.Channel
	if channel == "" {
		channel = ChannelEmail
	}
	_, err := n.db.ExecContext(ctx,
		`insert into notifications(id, user_id, title, message, channel, sent_at)
		 values($1,$2,$3,$4,$5,$6)`,
		ids.New(), msg.UserID, msg.Title, msg.Message, channel, time.Now().UTC(),
	)
	return err
}

// ListForUser returns the most recent notifications for one user.
func (n *PGNotifier) ListForUser(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	rows, err := n.db.QueryContext(ctx,
		`select user_id, title, message, channel, sent_at
		 from notifications where user_id=$1
		 order by sent_at desc limit $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Notification
	for rows.Next() {
		var msg Notification
		if err := rows.Scan(&msg.UserID, &msg.Title, &msg.Message, &msg.Channel, &msg.SentAt); err != nil {
			return nil, err
		}
		res = append(res, msg)
	}
	return res, rows.Err()
}
