// Package bus implements the Event Bus (§4.14): a local durable pub/sub
// log, ordered per (topic, space_id), at-least-once per subscriber group,
// with persisted consumer offsets and a dead-letter queue after
// max_retries. Generalized from the teacher's in-memory channel pub/sub
// (MessageBus) into a durable, replayable log — a channel doesn't survive
// a restart, which the spec's "consumer offsets persisted" requires.
package bus

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/familycore/famcore/internal/cit"
	"github.com/familycore/famcore/internal/corerr"

	_ "modernc.org/sqlite"
)

// Reserved topic namespaces (§4.14).
const (
	TopicMemory      = "cognitive.memory"
	TopicAttention   = "cognitive.attention"
	TopicWorkingMem  = "cognitive.working_memory"
	TopicProspective = "prospective"
	TopicSync        = "sync"
	TopicPolicy      = "policy"
	TopicSafety      = "safety"
)

// Envelope is the invariant-bearing wrapper every published event carries
// (§4.14). Missing any of Id/Ts/Topic/Actor/Device/Space/PolicyVersion is a
// publish-time rejection.
type Envelope struct {
	Id            string
	Ts            int64
	Topic         string
	Actor         cit.UserId
	Device        cit.DeviceId
	Space         cit.SpaceId
	Band          cit.Band
	Obligations   []string
	PolicyVersion string
	VC            cit.VectorClock
	QoS           string
	Payload       []byte
	PayloadHash   string
}

func (e *Envelope) validate() error {
	var missing []string
	if e.Id == "" {
		missing = append(missing, "id")
	}
	if e.Ts == 0 {
		missing = append(missing, "ts")
	}
	if e.Topic == "" {
		missing = append(missing, "topic")
	}
	if e.Actor == "" {
		missing = append(missing, "actor")
	}
	if e.Device == "" {
		missing = append(missing, "device")
	}
	if e.Space == "" {
		missing = append(missing, "space")
	}
	if e.PolicyVersion == "" {
		missing = append(missing, "policy_version")
	}
	if len(missing) > 0 {
		return corerr.New(corerr.KindEnvelopeInvalid, fmt.Sprintf("missing invariants: %v", missing))
	}
	return nil
}

// Bus is a durable, sqlite-backed event log.
type Bus struct {
	db         *sql.DB
	maxRetries int
}

// Open opens (or creates) the bus's durable log at path.
func Open(path string, maxRetries int) (*Bus, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("bus: open: %w", err)
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	b := &Bus{db: db, maxRetries: maxRetries}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) Close() error { return b.db.Close() }

func (b *Bus) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bus_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			topic TEXT NOT NULL,
			space_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			actor TEXT NOT NULL,
			device TEXT NOT NULL,
			band INTEGER NOT NULL,
			obligations TEXT,
			policy_version TEXT NOT NULL,
			vc TEXT,
			qos TEXT,
			payload BLOB,
			payload_hash TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bus_topic_space_seq ON bus_events(topic, space_id, seq)`,

		`CREATE TABLE IF NOT EXISTS bus_offsets (
			topic TEXT NOT NULL,
			space_id TEXT NOT NULL,
			consumer_group TEXT NOT NULL,
			last_seq INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (topic, space_id, consumer_group)
		)`,

		`CREATE TABLE IF NOT EXISTS bus_retries (
			seq INTEGER NOT NULL,
			consumer_group TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (seq, consumer_group)
		)`,

		`CREATE TABLE IF NOT EXISTS bus_dlq (
			seq INTEGER NOT NULL,
			consumer_group TEXT NOT NULL,
			reason TEXT NOT NULL,
			dead_ts INTEGER NOT NULL,
			PRIMARY KEY (seq, consumer_group)
		)`,
	}
	for _, s := range stmts {
		if _, err := b.db.Exec(s); err != nil {
			return fmt.Errorf("bus: migrate %q: %w", s, err)
		}
	}
	return nil
}

// Publish validates and appends env to the log. Ordering within (topic,
// space) follows insertion order (the autoincrement seq).
func (b *Bus) Publish(ctx context.Context, env *Envelope) error {
	if env.PayloadHash == "" {
		sum := sha256.Sum256(env.Payload)
		env.PayloadHash = hex.EncodeToString(sum[:])
	}
	if err := env.validate(); err != nil {
		return err
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO bus_events (id, topic, space_id, ts, actor, device, band, obligations, policy_version, vc, qos, payload, payload_hash)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, env.Id, env.Topic, string(env.Space), env.Ts, string(env.Actor), string(env.Device), int(env.Band),
		joinStrings(env.Obligations), env.PolicyVersion, encodeVC(env.VC), env.QoS, env.Payload, env.PayloadHash)
	if err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}

// Delivery is one polled message plus its log position, needed to Ack/Nack.
type Delivery struct {
	Seq      int64
	Envelope Envelope
}

// Poll returns up to limit undelivered messages for (topic, space,
// consumerGroup), starting just after that group's last acknowledged
// offset. Messages are redelivered until Ack'd (at-least-once).
func (b *Bus) Poll(ctx context.Context, topic string, space cit.SpaceId, consumerGroup string, limit int) ([]Delivery, error) {
	offset, err := b.offset(ctx, topic, space, consumerGroup)
	if err != nil {
		return nil, err
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT seq, id, ts, actor, device, band, obligations, policy_version, vc, qos, payload, payload_hash
		FROM bus_events
		WHERE topic = ? AND space_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?
	`, topic, string(space), offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		var actor, device, obligations, vc string
		var band int
		if err := rows.Scan(&d.Seq, &d.Envelope.Id, &d.Envelope.Ts, &actor, &device, &band,
			&obligations, &d.Envelope.PolicyVersion, &vc, &d.Envelope.QoS, &d.Envelope.Payload, &d.Envelope.PayloadHash); err != nil {
			return nil, err
		}
		d.Envelope.Topic = topic
		d.Envelope.Space = space
		d.Envelope.Actor = cit.UserId(actor)
		d.Envelope.Device = cit.DeviceId(device)
		d.Envelope.Band = cit.Band(band)
		d.Envelope.Obligations = splitStrings(obligations)
		d.Envelope.VC = decodeVC(vc)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (b *Bus) offset(ctx context.Context, topic string, space cit.SpaceId, group string) (int64, error) {
	var offset int64
	err := b.db.QueryRowContext(ctx, `SELECT last_seq FROM bus_offsets WHERE topic = ? AND space_id = ? AND consumer_group = ?`,
		topic, string(space), group).Scan(&offset)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return offset, err
}

// Ack advances consumerGroup's offset past seq and clears any retry count.
func (b *Bus) Ack(ctx context.Context, topic string, space cit.SpaceId, consumerGroup string, seq int64) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO bus_offsets (topic, space_id, consumer_group, last_seq)
		VALUES (?,?,?,?)
		ON CONFLICT(topic, space_id, consumer_group) DO UPDATE SET
			last_seq = MAX(bus_offsets.last_seq, excluded.last_seq)
	`, topic, string(space), consumerGroup, seq)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `DELETE FROM bus_retries WHERE seq = ? AND consumer_group = ?`, seq, consumerGroup)
	return err
}

// Nack records a failed delivery attempt for seq under consumerGroup. Once
// attempts exceed maxRetries, the message is moved to the DLQ and the
// offset is advanced past it so the consumer isn't stuck redelivering a
// poison message forever.
func (b *Bus) Nack(ctx context.Context, topic string, space cit.SpaceId, consumerGroup string, seq int64, reason string, now int64) error {
	var attempts int
	err := b.db.QueryRowContext(ctx, `SELECT attempts FROM bus_retries WHERE seq = ? AND consumer_group = ?`, seq, consumerGroup).Scan(&attempts)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	attempts++

	if attempts > b.maxRetries {
		if _, err := b.db.ExecContext(ctx, `INSERT OR REPLACE INTO bus_dlq (seq, consumer_group, reason, dead_ts) VALUES (?,?,?,?)`,
			seq, consumerGroup, reason, now); err != nil {
			return err
		}
		if _, err := b.db.ExecContext(ctx, `DELETE FROM bus_retries WHERE seq = ? AND consumer_group = ?`, seq, consumerGroup); err != nil {
			return err
		}
		return b.Ack(ctx, topic, space, consumerGroup, seq)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO bus_retries (seq, consumer_group, attempts) VALUES (?,?,?)
		ON CONFLICT(seq, consumer_group) DO UPDATE SET attempts = excluded.attempts
	`, seq, consumerGroup, attempts)
	return err
}

// DeadLettered returns DLQ entries for a consumer group, for operator
// inspection.
func (b *Bus) DeadLettered(ctx context.Context, consumerGroup string) ([]int64, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT seq FROM bus_dlq WHERE consumer_group = ? ORDER BY seq`, consumerGroup)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

func joinStrings(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	out := ss[0]
	for _, s := range ss[1:] {
		out += "," + s
	}
	return out
}

func splitStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func encodeVC(vc cit.VectorClock) string {
	out := ""
	first := true
	for d, c := range vc {
		if !first {
			out += ","
		}
		out += fmt.Sprintf("%s:%d", d, c)
		first = false
	}
	return out
}

func decodeVC(s string) cit.VectorClock {
	vc := cit.NewVectorClock()
	if s == "" {
		return vc
	}
	for _, part := range splitStrings(s) {
		for i := 0; i < len(part); i++ {
			if part[i] == ':' {
				var counter uint64
				fmt.Sscanf(part[i+1:], "%d", &counter)
				vc[cit.DeviceId(part[:i])] = counter
				break
			}
		}
	}
	return vc
}
