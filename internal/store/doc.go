// Package store defines the persistence contracts of the daemon: the job store behind
// the import API and the import run repository. Implementations live in other packages;
// this package must not import database drivers or concrete clients.
package store
