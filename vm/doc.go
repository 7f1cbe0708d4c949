// Package vm implements the Osprey execution engine.
//
// This package contains:
//   - NaN-boxed value representation
//   - Object layout, hidden classes and inline caches
//   - Incremental generational mark-sweep collector with write barriers
//   - Register-based bytecode interpreter with generators and async frames
//   - Baseline tiered JIT with background compilation and deoptimization
//   - Realm and symbol registries
package vm
