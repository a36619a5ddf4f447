// Package dedupe remembers recently finished request ids for a bounded
// window so that a response arriving after its request already resolved or
// timed out can be recognised as late rather than unknown.
package dedupe
