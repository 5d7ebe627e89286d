package xmysql

import (
	"context"
	"database/sql"
	"database/sql/driver"

	"golang.org/x/xerrors"
)

// eventConnector reports pool lifecycle events for the connections
// database/sql opens through it.
type eventConnector struct {
	driver.Connector
	log Logger
}

func (c *eventConnector) Connect(ctx context.Context) (driver.Conn, error) {
	conn, err := c.Connector.Connect(ctx)
	if err != nil {
		ClientMeasures.PoolEvents.WithLabelValues("error").Inc()
		c.log.Errorw("pool error", "tag", "error", "error", err.Error())
		return nil, err
	}
	ClientMeasures.PoolEvents.WithLabelValues("connection").Inc()
	c.log.Infow("connection created", "tag", "connection")
	return conn, nil
}

func (c *eventConnector) Driver() driver.Driver { return c.Connector.Driver() }

// dsnConnector adapts drivers that do not implement driver.DriverContext.
type dsnConnector struct {
	dsn string
	drv driver.Driver
}

func (c dsnConnector) Connect(context.Context) (driver.Conn, error) { return c.drv.Open(c.dsn) }
func (c dsnConnector) Driver() driver.Driver                        { return c.drv }

// connectorFor resolves a registered database/sql driver by name.
func connectorFor(driverName, dsn string) (driver.Connector, error) {
	opened, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, xerrors.Errorf("xmysql: open %s: %w", driverName, err)
	}
	drv := opened.Driver()
	_ = opened.Close()

	if dc, ok := drv.(driver.DriverContext); ok {
		conn, err := dc.OpenConnector(dsn)
		if err != nil {
			return nil, xerrors.Errorf("xmysql: %s connector: %w", driverName, err)
		}
		return conn, nil
	}
	return dsnConnector{dsn: dsn, drv: drv}, nil
}

// claimWaits returns how many pool waits happened since the last claim.
// Each wait is handed to exactly one caller.
func (c *Client) claimWaits() int64 {
	for {
		seen := c.waits.Load()
		cur := c.db.Stats().WaitCount
		if cur <= seen {
			return 0
		}
		if c.waits.CompareAndSwap(seen, cur) {
			return cur - seen
		}
	}
}
