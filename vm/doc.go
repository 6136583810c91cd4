// Package vm implements the Krait virtual machine.
//
// This package contains:
//   - NaN-boxed value representation
//   - Reference-counted heap with a cycle collector
//   - Versioned, statically verifiable code objects
//   - Bytecode interpreter with explicit unwinding
//   - Class model with C3 linearization
//   - Generators, builtins bridge and host entry points
package vm
