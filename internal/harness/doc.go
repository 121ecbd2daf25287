// Package harness runs YAML scenarios against a fully wired register.
//
// A scenario drives real commands through the dispatcher, with a scripted
// payment gateway, a fake clock and an in-memory ledger, then checks the
// recorded trace and the final state.
//
// # Scenario Format
//
//	name: checkout_retry
//	description: "A declined card is retried and then approved"
//	gateway:
//	  latency: 2s
//	  outcomes: [CARD_DECLINED]
//	flow:
//	  - invoke: AddItem
//	    args: { sku: COFFEE-12 }
//	  - invoke: Checkout
//	  - invoke: ProcessPayment
//	    expect:
//	      case: CARD_DECLINED
//	      result: { retryCount: 1, canRetry: true }
//	  - advance: 10m
//	  - restart: true
//	assertions:
//	  - type: trace_count
//	    event: payment_attempt
//	    count: 1
//	  - type: final_state
//	    expect: { transactionStatus: IDLE }
//
// Flow steps either invoke a command (decoded exactly like a client
// message), advance the fake clock, or restart the register without a clean
// shutdown to exercise crash recovery.
//
// # Assertion Types
//
//   - trace_contains: an event of the type exists with a matching payload
//   - trace_order: event types first appear in the given order
//   - trace_count: exactly N events of the type match
//   - final_state: the register state matches (subset of its JSON)
//   - ledger: exactly N ledger records match a filter
//   - inventory: stock levels match
//   - metrics: the metrics snapshot matches (subset of its JSON)
//
// # Deterministic Testing
//
// Ids, correlation ids and timestamps all come from sequence generators and
// a fake clock, so the same scenario always yields a byte-identical trace.
// RunWithGolden compares that trace with testdata/golden/<name>.golden.
package harness
