// Package setup prepares a host for running sandboxed code: the sandbox
// account, workspace and run directories, and the isolated network
// namespace guest processes are started in.
//
// This package is essentially a collection of scripts and constants, and is therefore the only package that is
// allowed to call a global logger.
package setup
