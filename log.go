package p2p

import (
	log "github.com/sirupsen/logrus"
)

// packageLogger is the root of every logger in this package. Subsystems
// derive their own entry from it with WithField("subpack", ...) so that log
// lines can be filtered by component without touching call sites.
var packageLogger = log.WithField("package", "p2p")

var (
	transportLogger = packageLogger.WithField("subpack", "transport")
	cacheLogger     = packageLogger.WithField("subpack", "cache")
	sessionLogger   = packageLogger.WithField("subpack", "session")
	nodeLogger      = packageLogger.WithField("subpack", "node")
	dialerLogger    = packageLogger.WithField("subpack", "dialer")
)
