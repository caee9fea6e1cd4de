package routes

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// parseDefaultRoute выбирает маршрут по умолчанию с наименьшей метрикой из вывода iproute2.
func parseDefaultRoute(output, exclude string) (Gateway, error) {
	var (
		best  Gateway
		found bool
	)
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != "default" {
			continue
		}
		var gw Gateway
		for i := 1; i+1 < len(fields); i++ {
			switch fields[i] {
			case "via":
				if ip, err := netip.ParseAddr(fields[i+1]); err == nil {
					gw.IP = ip
				}
			case "dev":
				gw.Interface = fields[i+1]
			case "metric":
				if metric, err := strconv.Atoi(fields[i+1]); err == nil {
					gw.Metric = metric
				}
			}
		}
		if gw.Interface == "" || gw.Interface == "lo" || gw.Interface == exclude {
			continue
		}
		if !found || gw.Metric < best.Metric {
			best, found = gw, true
		}
	}
	if !found {
		return Gateway{}, fmt.Errorf("default gateway not found")
	}
	return best, nil
}
