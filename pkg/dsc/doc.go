// Package dsc opens an Apple dyld shared cache (a primary file plus its
// split subcaches), reconstructs the unified virtual address space across
// the constituent files, rewrites slide-info pointer chains, and parses
// the embedded Mach-O images on demand.
//
// The package does not execute code, relocate beyond slide rewriting, or
// verify code signatures. Objective-C metadata post-processing and the
// binary-analysis "Host View" (segments, sections, symbols, functions)
// are external collaborators reached through the narrow interfaces in
// hostview.go.
package dsc
