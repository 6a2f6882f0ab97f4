// Command demo boots an in-process deployment and runs a parallel
// fan-out computation through it end to end.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mysl/mbrace/internal/cli"
	"github.com/mysl/mbrace/internal/protocol"
	"github.com/mysl/mbrace/internal/scheduler"
	"github.com/mysl/mbrace/pkg/types"
)

func main() {
	cluster, err := cli.NewCluster(cli.ClusterConfig{
		NodeID:            "demo-master",
		Replicas:          3,
		Workers:           6,
		ReplicationFactor: 2,
		FailoverFactor:    1,
	})
	if err != nil {
		log.Fatalf("wire cluster: %v", err)
	}
	cluster.Start()
	defer cluster.Stop()

	// sum(1..5) as a parallel fan-out of five leaves.
	leaves := make([]*scheduler.Expr, 5)
	for i := range leaves {
		leaves[i] = scheduler.Leaf([]byte{byte(i + 1)})
	}
	body, err := scheduler.EncodeExpr(scheduler.Parallel(leaves...))
	if err != nil {
		log.Fatalf("encode body: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rec, err := cluster.Processes.CreateDynamicProcess(ctx, "demo-request-1", protocol.ProcessImage{
		Name:        "parallel-sum",
		Computation: body,
		TypeName:    "int",
		ClientID:    "demo",
	})
	if err != nil {
		log.Fatalf("submit: %v", err)
	}
	fmt.Printf("admitted process %s (%s)\n", rec.ID, rec.State)

	final := waitForResult(ctx, cluster, rec.ID)
	values, err := scheduler.SplitCombined(final.Value)
	if err != nil {
		log.Fatalf("decode result: %v", err)
	}

	sum := 0
	for _, v := range values {
		sum += int(v[0])
	}
	fmt.Printf("process completed: %d branches, sum=%d, outstanding tasks=%d\n",
		len(values), sum, cluster.Log.GetCount())
}

func waitForResult(ctx context.Context, cluster *cli.Cluster, pid types.ProcessID) types.Result {
	for {
		rec, ok := cluster.Monitor.Get(pid)
		if ok && rec.State.Terminal() {
			if rec.Result == nil || rec.Result.Kind != types.ResultSuccess {
				log.Fatalf("process did not complete: %+v", rec.Result)
			}
			return *rec.Result
		}
		select {
		case <-ctx.Done():
			log.Fatalf("timed out waiting for result")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
