// Command client is a minimal TRANSFER client: it connects to a coordinator,
// sends one transfer request, prints the result, and exits. It exists only
// to exercise the wire protocol from outside the coordinator/participant
// processes; it is not part of the 2PC system itself.
package main

import (
	"flag"
	"log"

	"github.com/ledgerfabric/ledger2pc/pkg/protocol"
	"github.com/ledgerfabric/ledger2pc/pkg/wire"
)

func main() {
	addr := flag.String("addr", "localhost:9000", "Coordinator address")
	fromNode := flag.String("from-node", "", "Source participant node id")
	fromAccount := flag.String("from-account", "", "Source account id")
	toNode := flag.String("to-node", "", "Destination participant node id")
	toAccount := flag.String("to-account", "", "Destination account id")
	amount := flag.Int64("amount", 0, "Amount to transfer")
	flag.Parse()

	conn, err := wire.Dial(*addr)
	if err != nil {
		log.Fatalf("client: dial %s: %v", *addr, err)
	}
	defer conn.Close()

	req := protocol.Transfer{
		Type:        protocol.MsgTransfer,
		FromNode:    *fromNode,
		FromAccount: *fromAccount,
		ToNode:      *toNode,
		ToAccount:   *toAccount,
		Amount:      *amount,
	}
	if err := conn.Send(req); err != nil {
		log.Fatalf("client: send transfer: %v", err)
	}

	var result protocol.TransferResult
	if err := conn.Recv(&result); err != nil {
		log.Fatalf("client: receive result: %v", err)
	}

	if result.Success {
		log.Printf("transfer %s committed", result.TxID)
	} else {
		log.Printf("transfer rejected: %s", result.Reason)
	}
}
