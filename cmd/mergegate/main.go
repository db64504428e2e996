// mergegate — pre-merge governance gate for agent-authored changes.
// Evaluates findings against org policy, records tamper-evident
// evidence, and reports outcomes through the delivery outbox.
package main

import "github.com/mergegate/mergegate/internal/cli"

func main() {
	cli.Execute()
}
