// Command ticketctl inspects and edits the ticket tracking snapshot of a
// stopped TicketForge service.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
