//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/HatiCode/turbowatch/pkg/diagnosis"
	"github.com/HatiCode/turbowatch/pkg/history"
	"github.com/HatiCode/turbowatch/pkg/stream"
)

const nominalMessage = `{"lever_position":1.138,"ship_speed":3,"gt_shaft":289.964,"gt_rate":1349.489,` +
	`"gg_rate":6677.38,"sp_torque":7.584,"pp_torque":7.584,"hpt_temp":464.006,"gt_c_i_temp":288,` +
	`"gt_c_o_temp":550.563,"hpt_pressure":1.096,"gt_c_i_pressure":0.998,"gt_c_o_pressure":5.947,` +
	`"gt_exhaust_pressure":1.019,"turbine_inj_control":7.137,"fuel_flow":0.082}`

func writeTrainingData(t *testing.T) string {
	t.Helper()

	const n = 60
	var b strings.Builder
	for i := 0; i < n; i++ {
		f := float64(i) / float64(n-1)
		fmt.Fprintf(&b, "%.3f %.3f %.3f %.3f %.3f %.3f %.3f %.3f %.3f %.3f %.3f %.3f %.3f %.3f %.3f %.3f %.3f %.3f\n",
			1+f*8, 3+f*24, 300+f*7000, 1350+f*2200, 6600+f*3000, 7+f*600, 7+f*600, 460+f*650,
			288+f*10, 550+f*230, 1.1+f*3, 0.998, 5.9+f*17, 1.02+f*0.03, 7+f*80, 0.08+f*1.7,
			1-0.05*f, 1-0.025*f,
		)
	}

	path := filepath.Join(t.TempDir(), "navalplantmaintenance.csv")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write training data: %v", err)
	}
	return path
}

func dumpLogs(ctx context.Context, t *testing.T, c testcontainers.Container, name string) {
	logs, err := c.Logs(ctx)
	if err != nil {
		return
	}
	defer logs.Close()
	b, _ := io.ReadAll(logs)
	t.Logf("%s container logs:\n%s", name, string(b))
}

// TestDiagnoserRedisE2E runs the diagnoser image against a real Redis and
// drives it over the websocket and the gRPC health service.
func TestDiagnoserRedisE2E(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	networkName := "turbowatch-test"
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	if err != nil {
		t.Fatalf("Failed to create network: %v", err)
	}
	defer network.Remove(ctx)

	// 1. Redis shared history backend
	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			Networks:     []string{networkName},
			NetworkAliases: map[string][]string{
				networkName: {"redis"},
			},
			WaitingFor: wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start redis container: %v", err)
	}
	defer redisContainer.Terminate(ctx)

	// 2. Diagnoser built from the repository
	diagnoserReq := testcontainers.ContainerRequest{
		FromDockerfile: testcontainers.FromDockerfile{
			Context:    "../../",
			Dockerfile: "Dockerfile.diagnoser",
		},
		ExposedPorts: []string{"8765/tcp", "50051/tcp"},
		Networks:     []string{networkName},
		Files: []testcontainers.ContainerFile{{
			HostFilePath:      writeTrainingData(t),
			ContainerFilePath: "/data/navalplantmaintenance.csv",
			FileMode:          0o644,
		}},
		Cmd: []string{
			"-training-data=/data/navalplantmaintenance.csv",
			"-model=forest",
			"-forest-trees=10",
			"-history-backend=redis",
			"-redis-addr=redis:6379",
			"-history-capacity=5",
			"-audit-log=/tmp/sensor_logs.csv",
			"-log-level=debug",
		},
		WaitingFor: wait.ForHTTP("/healthz").WithPort("8765/tcp").WithStartupTimeout(120 * time.Second),
	}

	diagnoserContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: diagnoserReq,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start diagnoser container: %v", err)
	}
	defer diagnoserContainer.Terminate(ctx)

	host, err := diagnoserContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get diagnoser host: %v", err)
	}
	wsPort, err := diagnoserContainer.MappedPort(ctx, "8765")
	if err != nil {
		t.Fatalf("Failed to get diagnoser port: %v", err)
	}
	grpcPort, err := diagnoserContainer.MappedPort(ctx, "50051")
	if err != nil {
		t.Fatalf("Failed to get diagnoser gRPC port: %v", err)
	}
	baseURL := fmt.Sprintf("http://%s:%s", host, wsPort.Port())
	wsURL := fmt.Sprintf("ws://%s:%s/ws", host, wsPort.Port())

	// 3. gRPC health
	t.Run("GRPCHealth", func(t *testing.T) {
		conn, err := grpc.NewClient(
			fmt.Sprintf("%s:%s", host, grpcPort.Port()),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			t.Fatalf("Failed to connect to health service: %v", err)
		}
		defer conn.Close()

		resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
			t.Errorf("status = %v, want SERVING", resp.GetStatus())
		}
	})

	// 4. Stream telemetry
	t.Run("Stream", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			dumpLogs(ctx, t, diagnoserContainer, "diagnoser")
			t.Fatalf("Failed to dial diagnoser: %v", err)
		}
		defer conn.Close()

		send := func(msg string) []byte {
			t.Helper()
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				t.Fatalf("write: %v", err)
			}
			_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
			_, reply, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			return reply
		}

		var v diagnosis.Verdict
		if err := json.Unmarshal(send(nominalMessage), &v); err != nil {
			t.Fatalf("decode verdict: %v", err)
		}
		if v.Faulted() {
			t.Errorf("nominal record faulted: %+v", v)
		}

		cold := strings.Replace(nominalMessage, `"gt_c_i_temp":288`, `"gt_c_i_temp":250`, 1)
		if err := json.Unmarshal(send(cold), &v); err != nil {
			t.Fatalf("decode verdict: %v", err)
		}
		if v.CompressorFault != diagnosis.FaultDetected {
			t.Errorf("Compressor_Fault_Detected = %q, want fault", v.CompressorFault)
		}
		if len(v.Warnings) != 1 || v.Warnings[0] != "⚠️ gt_c_i_temp: 250.0 (Threshold: 280, 400)" {
			t.Errorf("Warnings = %v", v.Warnings)
		}

		var e stream.ErrorReply
		if err := json.Unmarshal(send("not json"), &e); err != nil {
			t.Fatalf("decode error reply: %v", err)
		}
		if e.Type != stream.TypeDecodeError {
			t.Errorf("type = %q, want %q", e.Type, stream.TypeDecodeError)
		}

		var entries []history.Entry
		if err := json.Unmarshal(send(stream.HistorySentinel), &entries); err != nil {
			t.Fatalf("decode history: %v", err)
		}
		if len(entries) != 2 {
			t.Errorf("history = %d entries, want 2", len(entries))
		}
	})

	// 5. HTTP views
	t.Run("HTTP", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/history")
		if err != nil {
			t.Fatalf("GET /history: %v", err)
		}
		defer resp.Body.Close()
		var entries []history.Entry
		if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
			t.Fatalf("decode /history: %v", err)
		}
		if len(entries) != 2 {
			t.Errorf("/history = %d entries, want 2", len(entries))
		}

		metricsResp, err := http.Get(baseURL + "/metrics")
		if err != nil {
			t.Fatalf("GET /metrics: %v", err)
		}
		defer metricsResp.Body.Close()
		body, _ := io.ReadAll(metricsResp.Body)
		if !strings.Contains(string(body), `turbowatch_violations_total{sensor="gt_c_i_temp"} 1`) {
			t.Errorf("metrics missing violation counter:\n%s", body)
		}
	})
}
