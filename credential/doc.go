// Package credential signs and verifies the bearer credential strings used
// for access and refresh tokens. The claim names (sub, fam, seq, scp) are a
// stable wire contract with previously issued credentials.
package credential
