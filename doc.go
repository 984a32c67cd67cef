// Package tracker is the decision core behind the balloon chase app: it
// merges two unequal telemetry feeds into one canonical stream, decides when
// the expensive external computations (trajectory prediction, chase routing)
// are worth running, and publishes versioned state snapshots the phone UI
// can render without ever seeing a stale or contradictory picture.
//
// # Architecture
//
// Everything communicates over an in-process event bus; each stateful
// component runs a single goroutine event loop, so no domain state is ever
// touched from two goroutines.
//
//	┌───────────┐    ┌───────────┐
//	│ mqttfeed  │    │ httpfeed  │     feed adapters
//	│ (primary) │    │ (fallback)│
//	└─────┬─────┘    └─────┬─────┘
//	      │ records/signals│
//	      └───────┬────────┘
//	        ┌─────┴─────┐
//	        │  arbiter  │               source arbitration state machine
//	        └─────┬─────┘
//	              │ canonical telemetry (sequenced)
//	     ┌────────┼────────────┐
//	     ↓        ↓            ↓
//	┌──────────┐ ┌─────────┐ ┌───────────┐
//	│prediction│ │ routing │ │aggregator │  policies + versioned snapshots
//	│ policy   │ │ policy  │ │           │
//	└────┬─────┘ └────┬────┘ └─────┬─────┘
//	     │ results    │ results    │ snapshots
//	     └─────┬──────┘            ↓
//	           │             ┌───────────┐   ┌────────────┐
//	           └────────────→│  wsfeed   │   │ trackstore │
//	                         │ (phone UI)│   │  (MySQL)   │
//	                         └───────────┘   └────────────┘
//
// # Packages
//
// Core:
//   - telemetry: source arbitration state machine and the arbiter loop
//   - policy: trigger evaluation, caching, coalescing and backoff for the
//     external prediction and routing computations
//   - snapshot: versioned state aggregation with stale-result rejection
//   - eventbus: typed topics with bounded per-subscriber queues
//   - intent: user actions flowing from the UI into the policies
//
// Boundary adapters:
//   - input/mqttfeed: primary feed from the LoRa gateway bridge (MQTT)
//   - input/httpfeed: fallback feed polled from the tracker API
//   - output/wsfeed: snapshot WebSocket feed and intent ingestion
//   - storage/trackstore: track and snapshot persistence (MySQL)
//   - external: HTTP clients for the prediction and routing services
//
// Infrastructure:
//   - component: lifecycle contract and ordered start/stop manager
//   - config: single-file JSON/YAML configuration with validation
//   - errors: classified errors (transient/invalid/fatal)
//   - metric: Prometheus registry and endpoint
//   - pkg/cache: bounded TTL+LRU caches with spatial-temporal key quantization
//   - pkg/retry: exponential backoff engine
//   - pkg/schedule: debounce, throttle, cooldown, backoff and coalescing
//     primitives used by the policies
//
// # Invariants
//
// The system maintains three guarantees end to end: canonical telemetry
// sequences strictly increase; a computed result never overwrites one based
// on newer telemetry; snapshot versions strictly increase and each snapshot
// is internally consistent.
//
// # Binary
//
// cmd/trackerd wires everything together:
//
//	trackerd --config=/etc/tracker/tracker.yaml --log-format=text
package tracker
