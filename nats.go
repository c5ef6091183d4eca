package brainsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns. Each session gets its own pair, keyed by user id.
const (
	SubjectEvents   = "brainsync.events"   // + .<user_id>, server → client
	SubjectCommands = "brainsync.commands" // + .<user_id>, client → server
)

// NATSDialer opens links over a NATS connection instead of a websocket. It
// suits backend consumers (bots, bridges) that sit next to the realtime
// server on the same bus. The dial URL is the NATS server URL.
type NATSDialer struct {
	// Name identifies the client to the NATS server.
	Name string
	// EventsSubject and CommandsSubject default to SubjectEvents and
	// SubjectCommands.
	EventsSubject   string
	CommandsSubject string
}

func (d *NATSDialer) Dial(ctx context.Context, rawURL string, cred Credential) (Link, error) {
	if cred.UserID == "" {
		return nil, errors.New("nats dial: credential has no user id")
	}

	name := d.Name
	if name == "" {
		name = "brainsync"
	}
	opts := []nats.Option{
		nats.Name(name),
		// The socket runs its own backoff over fresh links.
		nats.NoReconnect(),
	}
	if cred.Token != "" {
		opts = append(opts, nats.Token(cred.Token))
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(rawURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	events := d.EventsSubject
	if events == "" {
		events = SubjectEvents
	}
	commands := d.CommandsSubject
	if commands == "" {
		commands = SubjectCommands
	}

	sub, err := nc.SubscribeSync(events + "." + cred.UserID)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats flush: %w", err)
	}

	return &natsLink{
		conn:    nc,
		sub:     sub,
		subject: commands + "." + cred.UserID,
	}, nil
}

type natsLink struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
	once    sync.Once
}

func (l *natsLink) Read(ctx context.Context) (Envelope, error) {
	for {
		msg, err := l.sub.NextMsgWithContext(ctx)
		if err != nil {
			return Envelope{}, err
		}
		var env Envelope
		if json.Unmarshal(msg.Data, &env) != nil || env.Event == "" {
			continue
		}
		return env, nil
	}
}

func (l *natsLink) Write(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.conn.Publish(l.subject, data)
}

func (l *natsLink) Close() error {
	l.once.Do(func() {
		_ = l.sub.Unsubscribe()
		l.conn.Close()
	})
	return nil
}
