/*
Package nexsync is a tool for synchronizing npm packages between two
Nexus repositories.

nexsync performs incremental, one-way replication from a read-only
source registry to a target registry, with features including:
  - Incremental runs driven by a persisted last-modified cursor
  - Hosted targets populated by download and multipart upload
  - Proxy targets seeded by fetching each package through the proxy
  - Batched transfers with a bounded worker pool and inter-batch delay
  - Atomic state persistence with file locking

The main packages are:

	github.com/nexsync/nexsync/internal/npm   - npm asset path parsing and filename sanitizing
	github.com/nexsync/nexsync/internal/sync  - Registry clients, transfer engine, and sync state
	github.com/nexsync/nexsync/cmd/nexsync    - Command-line interface
*/
package nexsync
