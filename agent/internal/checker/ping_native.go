package checker

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/pilot-net/smotra-agent/pkg/types"
)

// nativePinger sends ICMP echo from the agent process.
//
// Linux allows unprivileged ICMP sockets when net.ipv4.ping_group_range
// covers the agent's group; otherwise the agent needs root or CAP_NET_RAW.
type nativePinger struct {
	interval time.Duration
}

func (n *nativePinger) ping(ctx context.Context, ip string, count int, timeout time.Duration) (*types.PingResult, error) {
	p, err := probing.NewPinger(ip)
	if err != nil {
		return nil, fmt.Errorf("creating pinger: %w", err)
	}
	p.Count = count
	p.Interval = n.interval
	// Last probe leaves at (count-1)*interval and gets timeout to answer.
	p.Timeout = time.Duration(count-1)*n.interval + timeout
	p.SetPrivileged(runtime.GOOS == "windows" || os.Geteuid() == 0)

	replies := make(map[int]float64, count)
	p.OnRecv = func(pkt *probing.Packet) {
		replies[pkt.Seq] = types.Millis(pkt.Rtt)
	}

	if err := p.RunWithContext(ctx); err != nil {
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	res := &types.PingResult{SuccessLatencies: []float64{}}
	for seq := 0; seq < count; seq++ {
		rtt, ok := replies[seq]
		if !ok {
			res.Failures++
			res.Errors = append(res.Errors, fmt.Sprintf("probe %d: request timed out", seq+1))
			continue
		}
		res.Successes++
		res.SuccessLatencies = append(res.SuccessLatencies, rtt)
	}
	res.AvgResponseTimeMs = average(res.SuccessLatencies)
	return res, nil
}
