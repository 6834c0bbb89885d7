// Command stagectl administers the staging pipeline directly against its
// store: submit files, trigger processing, inspect batches and failures,
// export the canonical items and check merge rules files.
//
// It reads the same environment (and optional .env file) as the server, so
// both binaries agree on the database and the rules in force.
package main
