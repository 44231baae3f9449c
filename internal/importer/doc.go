// Package importer holds the shared domain model for dataset imports: the request a caller
// submits, the cluster and session state produced along the way, the temporary archive
// handle, and the error kinds every stage reports. Concrete stages live in sibling
// packages and depend only on the interfaces declared here.
package importer
