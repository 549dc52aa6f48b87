package gofat

import (
	"log"
	"os"
)

// logger reports recoverable mount-time inconsistencies (a dirty exFAT
// volume falling back to read-only, and similar). It never runs on the
// per-sector read/write path.
var logger = log.New(os.Stderr, "gofat: ", log.LstdFlags)
