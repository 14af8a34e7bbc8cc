/*
WAL records accepted order and trade events as newline delimited JSON so the
order state and positions can be rebuilt after a restart.

# Module
  - sink: sequence numbered append, the next seq is recovered by scanning the
    file on open
  - record: line codec, optional fields default on decode
  - reader: sequential line scan used by replay and tooling

# Source
  - order events accepted by the order manager
  - trade events recorded by the order manager
  - trading day rollover markers from core

# Produce
  - replay input for state.ReplayLoader

# Sharded
  - none
*/
package wal
