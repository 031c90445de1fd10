// Package triage provides the business boundary for grantscout's opportunity
// triage. It defines the Engine (the pure Clean/Dirty/Out-of-Scope split), the
// Service (run lifecycle, persistence, async publish), the Store interface and
// the domain models.
package triage
