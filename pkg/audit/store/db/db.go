package db

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/gridauth/proxyvault/pkg/audit"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	_ "github.com/lib/pq"
	"github.com/opentracing/opentracing-go"
)

type DB struct {
	*sql.DB
	logger log.Logger
}

func NewDB(driverName string, dataSourceName string, logger log.Logger) (audit.Recorder, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	err = checkDBAlive(db)
	for err != nil {
		level.Warn(logger).Log("msg", "Trying to connect to audit DB")
		err = checkDBAlive(db)
		time.Sleep(time.Second)
	}
	return &DB{db, logger}, nil
}

func checkDBAlive(db *sql.DB) error {
	sqlStatement := `
	SELECT WHERE 1=0`
	_, err := db.Query(sqlStatement)
	return err
}

func (db *DB) Record(ctx context.Context, e audit.Event) error {
	sqlStatement := `
	INSERT INTO authorization_events(timestamp, command, username, cred_name, peer_dn, method, allowed, detail)
	VALUES($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING id;`
	span, _ := opentracing.StartSpanFromContext(ctx, "audit: insert authorization event")
	var id int64
	err := db.QueryRow(sqlStatement, e.Timestamp, e.Command, e.Username, e.CredName, e.PeerDN, e.Method, e.Allowed, e.Detail).Scan(&id)
	span.Finish()
	if err != nil {
		level.Error(db.logger).Log("err", err, "msg", "Could not insert audit event for username "+e.Username)
		return err
	}
	level.Info(db.logger).Log("msg", "Audit event inserted with ID "+strconv.FormatInt(id, 10))
	return nil
}
