package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"

	"iceflow/pipeline"
	"iceflow/retry"
)

type PostgresTable struct {
	Schema string `yaml:"schema"`
	Name   string `yaml:"name"`
}

type PostgresConfig struct {
	// DSN, when set, replaces the individual connection settings.
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`

	Slot        string `yaml:"slot"`
	Publication string `yaml:"publication"`
	// TemporarySlot drops the slot when the connection closes. A
	// permanent slot lets a restarted pipeline resume from the last
	// acknowledged position.
	TemporarySlot bool `yaml:"temporary_slot"`
	// Tables limits the emitted changes. They are checked against the
	// catalog at startup. Empty means every table in the publication.
	Tables         []PostgresTable `yaml:"tables"`
	StandbyTimeout time.Duration   `yaml:"standby_timeout"`
	IORetries      int             `yaml:"io_retries"`
}

func (c PostgresConfig) connString(replication bool) string {
	dsn := c.DSN
	if dsn == "" {
		port := c.Port
		if port == 0 {
			port = 5432
		}
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(c.User, c.Password),
			Host:   fmt.Sprintf("%s:%d", c.Host, port),
			Path:   "/" + c.Database,
		}
		dsn = u.String()
	}
	if !replication {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&replication=database"
	}
	return dsn + "?replication=database"
}

const defaultStandbyTimeout = 10 * time.Second

// noProgress is reported as the flushed position before anything was
// acknowledged. A zero position would be replaced by the write position,
// confirming changes that are not durable yet.
const noProgress = pglogrepl.LSN(1)

// Postgres streams row changes through logical replication with the
// pgoutput plugin. Every committed transaction becomes one batch whose
// records carry _op, _table and _lsn. The position reported back to the
// server only advances when a batch is acknowledged, so the slot keeps
// everything that is not yet durable downstream.
type Postgres struct {
	name   string
	cfg    PostgresConfig
	policy retry.Policy
	logger *slog.Logger

	confirmed   atomic.Uint64
	outstanding atomic.Int64
}

func NewPostgres(name string, cfg PostgresConfig, logger *slog.Logger) (*Postgres, error) {
	if cfg.DSN == "" && (cfg.Host == "" || cfg.Database == "") {
		return nil, fmt.Errorf("postgres source %q: dsn or host and database are required", name)
	}
	if cfg.Slot == "" {
		return nil, fmt.Errorf("postgres source %q: slot is required", name)
	}
	if cfg.Publication == "" {
		return nil, fmt.Errorf("postgres source %q: publication is required", name)
	}
	for _, t := range cfg.Tables {
		if t.Name == "" {
			return nil, fmt.Errorf("postgres source %q: table without name", name)
		}
	}
	if cfg.StandbyTimeout <= 0 {
		cfg.StandbyTimeout = defaultStandbyTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	policy := retry.DefaultPolicy()
	if cfg.IORetries > 0 {
		policy.MaxRetries = cfg.IORetries
	}
	return &Postgres{
		name:   name,
		cfg:    cfg,
		policy: policy,
		logger: logger.With("stage", name, "slot", cfg.Slot),
	}, nil
}

func (p *Postgres) Name() string {
	return p.name
}

func (p *Postgres) Run(ctx context.Context, out pipeline.Emitter) error {
	relations := newRelationCache()
	if len(p.cfg.Tables) > 0 {
		if err := p.seedRelations(ctx, relations); err != nil {
			return err
		}
	}

	var conn *pgconn.PgConn
	err := retry.Do(ctx, p.policy, func(ctx context.Context) error {
		var err error
		conn, err = pgconn.Connect(ctx, p.cfg.connString(true))
		if err != nil {
			return retry.Transient(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("connecting to postgres for replication: %w", err)
	}
	defer conn.Close(context.Background())

	if err := p.createReplicationSlot(ctx, conn); err != nil {
		return err
	}

	err = pglogrepl.StartReplication(ctx, conn, p.cfg.Slot, 0, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '2'",
			"messages 'true'",
			"streaming 'true'",
			fmt.Sprintf("publication_names '%s'", p.cfg.Publication),
		},
	})
	if err != nil {
		return fmt.Errorf("starting replication: %w", err)
	}
	p.logger.Info("replication started", "publication", p.cfg.Publication)

	asm := newTxnAssembler(relations, p.tableFilter())
	return p.handleReplication(ctx, conn, asm, out)
}

func (p *Postgres) seedRelations(ctx context.Context, relations *relationCache) error {
	conn, err := pgx.Connect(ctx, p.cfg.connString(false))
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer conn.Close(context.Background())

	for _, t := range p.cfg.Tables {
		namespace := t.Schema
		if namespace == "" {
			namespace = "public"
		}
		r, err := loadRelation(ctx, conn, namespace, t.Name)
		if err != nil {
			return err
		}
		relations.put(r)
		p.logger.Debug("loaded relation", "table", r.QualifiedName(), "columns", len(r.Columns))
	}
	return nil
}

func (p *Postgres) tableFilter() map[string]bool {
	if len(p.cfg.Tables) == 0 {
		return nil
	}
	tables := make(map[string]bool, len(p.cfg.Tables))
	for _, t := range p.cfg.Tables {
		namespace := t.Schema
		if namespace == "" {
			namespace = "public"
		}
		tables[namespace+"."+t.Name] = true
	}
	return tables
}

func (p *Postgres) createReplicationSlot(ctx context.Context, conn *pgconn.PgConn) error {
	_, err := pglogrepl.CreateReplicationSlot(ctx, conn, p.cfg.Slot, "pgoutput", pglogrepl.CreateReplicationSlotOptions{
		Temporary: p.cfg.TemporarySlot,
		Mode:      pglogrepl.LogicalReplication,
	})
	if err != nil {
		var pgerr *pgconn.PgError
		if errors.As(err, &pgerr) && pgerr.Code == "42710" {
			p.logger.Debug("replication slot exists")
			return nil
		}
		return fmt.Errorf("creating replication slot: %w", err)
	}
	p.logger.Info("created replication slot", "temporary", p.cfg.TemporarySlot)
	return nil
}

func (p *Postgres) handleReplication(ctx context.Context, conn *pgconn.PgConn, asm *txnAssembler, out pipeline.Emitter) error {
	var clientXLogPos pglogrepl.LSN
	nextStandbyMessageDeadline := time.Now().Add(p.cfg.StandbyTimeout)

	for {
		if time.Now().After(nextStandbyMessageDeadline) {
			if err := p.sendStatus(ctx, conn, clientXLogPos); err != nil {
				return err
			}
			nextStandbyMessageDeadline = time.Now().Add(p.cfg.StandbyTimeout)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandbyMessageDeadline)
		rawMsg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("receiving replication message: %w", retry.Transient(err))
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("received postgres wal error: %s (%s)", errMsg.Message, errMsg.Code)
		}
		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}
		if len(msg.Data) == 0 {
			return errors.New("empty CopyData message received")
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				return fmt.Errorf("parsing keepalive: %w", err)
			}
			if pkm.ServerWALEnd > clientXLogPos {
				clientXLogPos = pkm.ServerWALEnd
			}
			if pkm.ReplyRequested {
				nextStandbyMessageDeadline = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				return fmt.Errorf("parsing xlog data: %w", err)
			}
			logicalMsg, err := pglogrepl.ParseV2(xld.WALData, asm.inStream)
			if err != nil {
				return fmt.Errorf("parsing logical replication message: %w", err)
			}
			txn, err := asm.handle(logicalMsg, xld.WALStart)
			if err != nil {
				return err
			}
			if xld.WALStart > clientXLogPos {
				clientXLogPos = xld.WALStart
			}
			if txn != nil {
				if err := p.emit(ctx, out, txn); err != nil {
					return err
				}
			}

		default:
			return fmt.Errorf("unknown replication message type: %c", msg.Data[0])
		}
	}
}

// emit sends a committed transaction downstream. A transaction with no
// records of interest is confirmed right away when nothing sent earlier
// is still waiting for its acknowledgement.
func (p *Postgres) emit(ctx context.Context, out pipeline.Emitter, txn *committedTxn) error {
	if len(txn.records) == 0 && p.outstanding.Load() == 0 {
		p.confirm(txn.endLSN)
		return nil
	}
	p.outstanding.Add(1)
	var once sync.Once
	ack := func() {
		once.Do(func() {
			p.confirm(txn.endLSN)
			p.outstanding.Add(-1)
		})
	}
	return out.Emit(ctx, pipeline.NewBatch(txn.records, ack))
}

func (p *Postgres) confirm(lsn pglogrepl.LSN) {
	for {
		cur := p.confirmed.Load()
		if uint64(lsn) <= cur || p.confirmed.CompareAndSwap(cur, uint64(lsn)) {
			return
		}
	}
}

func (p *Postgres) flushed() pglogrepl.LSN {
	if lsn := pglogrepl.LSN(p.confirmed.Load()); lsn > 0 {
		return lsn
	}
	return noProgress
}

func (p *Postgres) sendStatus(ctx context.Context, conn *pgconn.PgConn, written pglogrepl.LSN) error {
	flushed := p.flushed()
	err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: max(written, flushed),
		WALFlushPosition: flushed,
		WALApplyPosition: flushed,
	})
	if err != nil {
		return fmt.Errorf("sending standby status: %w", err)
	}
	p.logger.Debug("sent standby status", "written", written, "flushed", flushed)
	return nil
}

type committedTxn struct {
	xid     uint32
	records []pipeline.Record
	endLSN  pglogrepl.LSN
}

type openTxn struct {
	xid     uint32
	records []pipeline.Record
}

// txnAssembler collects the changes of each transaction until its
// commit. Large transactions may arrive streamed in chunks, interleaved
// with others, and are kept apart by xid.
type txnAssembler struct {
	relations *relationCache
	tables    map[string]bool
	typeMap   *pgtype.Map

	current  *openTxn
	streams  map[uint32]*openTxn
	inStream bool
	streamID uint32
}

func newTxnAssembler(relations *relationCache, tables map[string]bool) *txnAssembler {
	return &txnAssembler{
		relations: relations,
		tables:    tables,
		typeMap:   pgtype.NewMap(),
		streams:   make(map[uint32]*openTxn),
	}
}

// handle applies one logical replication message and returns the
// transaction it completed, if any.
func (a *txnAssembler) handle(msg pglogrepl.Message, walStart pglogrepl.LSN) (*committedTxn, error) {
	switch m := msg.(type) {
	case *pglogrepl.RelationMessageV2:
		a.relations.apply(m)

	case *pglogrepl.BeginMessage:
		a.current = &openTxn{xid: m.Xid}

	case *pglogrepl.CommitMessage:
		if a.current == nil {
			return nil, errors.New("commit without begin")
		}
		txn := &committedTxn{xid: a.current.xid, records: a.current.records, endLSN: m.TransactionEndLSN}
		a.current = nil
		return txn, nil

	case *pglogrepl.InsertMessageV2:
		return nil, a.change(m.RelationID, "insert", m.Tuple, m.Xid, walStart)
	case *pglogrepl.UpdateMessageV2:
		return nil, a.change(m.RelationID, "update", m.NewTuple, m.Xid, walStart)
	case *pglogrepl.DeleteMessageV2:
		return nil, a.change(m.RelationID, "delete", m.OldTuple, m.Xid, walStart)

	case *pglogrepl.StreamStartMessageV2:
		a.inStream = true
		a.streamID = m.Xid
		if a.streams[m.Xid] == nil {
			a.streams[m.Xid] = &openTxn{xid: m.Xid}
		}
	case *pglogrepl.StreamStopMessageV2:
		a.inStream = false
	case *pglogrepl.StreamCommitMessageV2:
		open := a.streams[m.Xid]
		delete(a.streams, m.Xid)
		txn := &committedTxn{xid: m.Xid, endLSN: m.TransactionEndLSN}
		if open != nil {
			txn.records = open.records
		}
		return txn, nil
	case *pglogrepl.StreamAbortMessageV2:
		if m.SubXid == m.Xid {
			delete(a.streams, m.Xid)
		}
	}
	return nil, nil
}

func (a *txnAssembler) change(relationID uint32, op string, tuple *pglogrepl.TupleData, xid uint32, lsn pglogrepl.LSN) error {
	rel, err := a.relations.get(relationID)
	if err != nil {
		return err
	}
	if a.tables != nil && !a.tables[rel.QualifiedName()] {
		return nil
	}
	if tuple == nil {
		return fmt.Errorf("%s on %s carries no tuple", op, rel.QualifiedName())
	}

	rec, err := rel.decodeTuple(a.typeMap, tuple)
	if err != nil {
		return err
	}
	rec["_op"] = op
	rec["_table"] = rel.QualifiedName()
	rec["_lsn"] = lsn.String()

	target := a.current
	if a.inStream {
		if xid == 0 {
			xid = a.streamID
		}
		target = a.streams[xid]
		if target == nil {
			target = &openTxn{xid: xid}
			a.streams[xid] = target
		}
	}
	if target == nil {
		return fmt.Errorf("%s on %s outside a transaction", op, rel.QualifiedName())
	}
	target.records = append(target.records, rec)
	return nil
}
