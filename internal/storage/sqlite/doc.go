// Package sqlite implements the engine storage contracts on SQLite.
package sqlite
