/*
Core wires the trading components into a single engine.

# Module
  - in-memory bus: receives intents, order events, trade events and cancels
    and hands them to the engine on a single consumer goroutine
  - engine: self-trade pre-check, risk rules, order lifecycle, CTP position
    reservation and account pnl
  - position reducer: portfolio net positions for risk context and replay
  - risk engine: validates the order intent against the account state

# Source
 1. order intents from strategies
 2. order and trade callbacks from the exchange gateway
 3. WAL replay before live traffic

# Produce
  - accepted orders to the gateway
  - risk events, positions and accounts to the domain store
  - order and trade lines to the WAL

# Sharded
  - account
*/
package core
