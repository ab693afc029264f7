// Package scope compiles scope expressions (wildcards, permission group
// references, resource-identifier suffixes) into a permission lookup table
// used for authorization decisions.
//
// Compilation and evaluation are pure: a [Compiled] table never changes
// after Compile returns, and group registries are frozen before first use.
package scope
