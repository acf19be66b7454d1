package switchgear

import (
	"github.com/bitshock-src/switchgear-sub000/balancer"
	"github.com/bitshock-src/switchgear-sub000/pool"
	"github.com/bitshock-src/switchgear-sub000/switchgeardb"
	"github.com/btcsuite/btclog"
	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/build"
)

const Subsystem = "SWCH"

var (
	logWriter = build.NewRotatingLogWriter()

	log = build.NewSubLogger(Subsystem, logWriter.GenSubLogger)
)

func init() {
	setSubLogger(Subsystem, log, nil)
	addSubLogger(balancer.Subsystem, balancer.UseLogger)
	addSubLogger(pool.Subsystem, pool.UseLogger)
	addSubLogger(switchgeardb.Subsystem, switchgeardb.UseLogger)
	addSubLogger("LNDC", lndclient.UseLogger)
}

// addSubLogger is a helper method to conveniently create and register the
// logger of a sub system.
func addSubLogger(subsystem string, useLogger func(btclog.Logger)) {
	logger := build.NewSubLogger(subsystem, logWriter.GenSubLogger)
	setSubLogger(subsystem, logger, useLogger)
}

// setSubLogger is a helper method to conveniently register the logger of a sub
// system.
func setSubLogger(subsystem string, logger btclog.Logger,
	useLogger func(btclog.Logger)) {

	logWriter.RegisterSubLogger(subsystem, logger)
	if useLogger != nil {
		useLogger(logger)
	}
}
