package proxy

import (
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// ListenerPIDs returns the PIDs listening on the TCP port, deduplicated.
func ListenerPIDs(port int) ([]int32, error) {
	conns, err := gnet.Connections("tcp")
	if err != nil {
		return nil, err
	}
	seen := make(map[int32]struct{})
	var pids []int32
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Laddr.Port != uint32(port) || c.Pid <= 0 {
			continue
		}
		if _, ok := seen[c.Pid]; ok {
			continue
		}
		seen[c.Pid] = struct{}{}
		pids = append(pids, c.Pid)
	}
	return pids, nil
}

// KillListeners kills every process listening on the TCP port and
// returns the PIDs that were signalled.
func KillListeners(port int) ([]int32, error) {
	pids, err := ListenerPIDs(port)
	if err != nil {
		return nil, err
	}
	killed := make([]int32, 0, len(pids))
	for _, pid := range pids {
		proc, err := process.NewProcess(pid)
		if err != nil {
			continue
		}
		if err := proc.Kill(); err != nil {
			log.Printf("[killport] pid %d on port %d: %v", pid, port, err)
			continue
		}
		killed = append(killed, pid)
	}
	return killed, nil
}

// KillPortHandler frees a development port. The daemon's own port and
// privileged ports are refused.
func KillPortHandler(ownPort int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		port, err := strconv.Atoi(chi.URLParam(r, "port"))
		if err != nil || !validPort(port) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid port"})
			return
		}
		if port == ownPort {
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "refusing to kill own port"})
			return
		}
		if port < 1024 {
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "refusing to kill privileged port"})
			return
		}

		pids, err := ListenerPIDs(port)
		if err != nil {
			log.Printf("[killport] scan failed: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "failed to enumerate listeners"})
			return
		}
		if len(pids) == 0 {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "no process listening on port " + strconv.Itoa(port)})
			return
		}

		killed := make([]int32, 0, len(pids))
		for _, pid := range pids {
			proc, err := process.NewProcess(pid)
			if err != nil {
				continue
			}
			if err := proc.Kill(); err != nil {
				log.Printf("[killport] pid %d on port %d: %v", pid, port, err)
				continue
			}
			log.Printf("[killport] killed pid %d on port %d", pid, port)
			killed = append(killed, pid)
		}
		writeJSON(w, http.StatusOK, map[string]any{"port": port, "killed": killed})
	}
}
