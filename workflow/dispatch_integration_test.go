package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oknaservice/dispatch_backend/config"
	"github.com/oknaservice/dispatch_backend/models"
	"github.com/oknaservice/dispatch_backend/workflow"
)

func setupDispatchEnv(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "dispatch_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	return context.Background()
}

func createMeasurer(t *testing.T, ctx context.Context, name string) *models.User {
	t.Helper()
	user, err := models.CreateUser(ctx, &models.NewUser{
		Name: name,
		Role: string(models.UserRoleMeasurer),
	})
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", name, err)
	}
	return user
}

func createAdmin(t *testing.T, ctx context.Context) *models.User {
	t.Helper()
	admin, err := models.CreateUser(ctx, &models.NewUser{
		Name: "Admin",
		Role: string(models.UserRoleAdmin),
	})
	if err != nil {
		t.Fatalf("CreateUser(admin): %v", err)
	}
	return admin
}

func proposeAndCreate(t *testing.T, ctx context.Context, leadId int64, dealer string, zone string) (*models.Measurement, *workflow.Proposal) {
	t.Helper()
	proposal, err := workflow.Propose(ctx, dealer, zone)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	var proposedId *int
	if proposal.Reason != models.ReasonNone {
		id := proposal.WorkerId
		proposedId = &id
	}
	m, err := models.CreateMeasurementPending(ctx, &models.NewMeasurement{
		CrmLeadId:    leadId,
		LeadName:     fmt.Sprintf("Lead %d", leadId),
		DealerName:   dealer,
		DeliveryZone: zone,
	}, proposedId, proposal.Reason)
	if err != nil {
		t.Fatalf("CreateMeasurementPending: %v", err)
	}
	return m, proposal
}

func TestDispatchFlow(t *testing.T) {
	ctx := setupDispatchEnv(t)

	admin := createAdmin(t, ctx)
	a := createMeasurer(t, ctx, "Worker A")
	b := createMeasurer(t, ctx, "Worker B")
	c := createMeasurer(t, ctx, "Worker C")

	// dealer binding for worker B
	dealerName, err := models.CreateDealerName(ctx, "ООО Ромашка")
	if err != nil {
		t.Fatalf("CreateDealerName: %v", err)
	}
	if _, err := models.BindDealerName(ctx, dealerName.ID, b.ID); err != nil {
		t.Fatalf("BindDealerName: %v", err)
	}
	// rebinding without unbind is rejected
	if _, err := models.BindDealerName(ctx, dealerName.ID, c.ID); !errors.Is(err, models.ErrDealerNameTaken) {
		t.Fatalf("expected ErrDealerNameTaken, got %v", err)
	}

	// zone North covered by A and C
	zone, err := models.CreateDeliveryZone(ctx, &models.NewDeliveryZone{Name: "North"})
	if err != nil {
		t.Fatalf("CreateDeliveryZone: %v", err)
	}
	if _, err := models.BindWorkerZone(ctx, c.ID, zone.ID); err != nil {
		t.Fatalf("BindWorkerZone(C): %v", err)
	}
	if _, err := models.BindWorkerZone(ctx, a.ID, zone.ID); err != nil {
		t.Fatalf("BindWorkerZone(A): %v", err)
	}

	t.Run("dealer binding wins over zone", func(t *testing.T) {
		proposal, err := workflow.Propose(ctx, "  ООО РОМАШКА  ", "North")
		if err != nil {
			t.Fatalf("Propose: %v", err)
		}
		if proposal.WorkerId != b.ID || proposal.Reason != models.ReasonDealer {
			t.Fatalf("expected (%d, dealer), got (%d, %s)", b.ID, proposal.WorkerId, proposal.Reason)
		}
	})

	t.Run("zone tie-break picks lowest id", func(t *testing.T) {
		proposal, err := workflow.Propose(ctx, "", "North")
		if err != nil {
			t.Fatalf("Propose: %v", err)
		}
		if proposal.WorkerId != a.ID || proposal.Reason != models.ReasonZone {
			t.Fatalf("expected (%d, zone), got (%d, %s)", a.ID, proposal.WorkerId, proposal.Reason)
		}
	})

	t.Run("round robin proposes without moving cursor", func(t *testing.T) {
		first, err := workflow.Propose(ctx, "", "")
		if err != nil {
			t.Fatalf("Propose: %v", err)
		}
		if first.Reason != models.ReasonRoundRobin {
			t.Fatalf("expected round_robin, got %s", first.Reason)
		}
		second, err := workflow.Propose(ctx, "", "")
		if err != nil {
			t.Fatalf("Propose: %v", err)
		}
		if second.WorkerId != first.WorkerId {
			t.Fatalf("repeated preview changed candidate: %d vs %d", second.WorkerId, first.WorkerId)
		}
		cursor, err := models.GetRoundRobinCursor(ctx)
		if err != nil {
			t.Fatalf("GetRoundRobinCursor: %v", err)
		}
		if cursor != 0 {
			t.Fatalf("preview moved the cursor to %d", cursor)
		}
	})

	t.Run("confirm advances cursor exactly once", func(t *testing.T) {
		m, proposal := proposeAndCreate(t, ctx, 1001, "", "")

		confirmed, err := workflow.ConfirmProposal(ctx, m.ID, admin.ID)
		if err != nil {
			t.Fatalf("ConfirmProposal: %v", err)
		}
		if confirmed.Status != models.StatusAssigned {
			t.Fatalf("expected assigned, got %s", confirmed.Status)
		}
		cursor, err := models.GetRoundRobinCursor(ctx)
		if err != nil {
			t.Fatalf("GetRoundRobinCursor: %v", err)
		}
		if cursor != proposal.WorkerId {
			t.Fatalf("expected cursor at %d, got %d", proposal.WorkerId, cursor)
		}

		// second confirm is rejected, cursor stays put
		if _, err := workflow.ConfirmProposal(ctx, m.ID, admin.ID); !errors.Is(err, models.ErrAlreadyConfirmed) {
			t.Fatalf("expected ErrAlreadyConfirmed, got %v", err)
		}
		cursorAfter, _ := models.GetRoundRobinCursor(ctx)
		if cursorAfter != cursor {
			t.Fatalf("double confirm moved the cursor: %d -> %d", cursor, cursorAfter)
		}
	})

	t.Run("zone-resolved confirmation leaves cursor alone", func(t *testing.T) {
		before, _ := models.GetRoundRobinCursor(ctx)

		m, _ := proposeAndCreate(t, ctx, 1002, "", "North")
		if _, err := workflow.ConfirmProposal(ctx, m.ID, admin.ID); err != nil {
			t.Fatalf("ConfirmProposal: %v", err)
		}

		after, _ := models.GetRoundRobinCursor(ctx)
		if after != before {
			t.Fatalf("zone-resolved confirm moved the cursor: %d -> %d", before, after)
		}
	})

	t.Run("reassignment advances cursor to new worker", func(t *testing.T) {
		m, proposal := proposeAndCreate(t, ctx, 1003, "", "")
		if _, err := workflow.ConfirmProposal(ctx, m.ID, admin.ID); err != nil {
			t.Fatalf("ConfirmProposal: %v", err)
		}

		// pick any other worker
		newWorker := a.ID
		if proposal.WorkerId == a.ID {
			newWorker = b.ID
		}
		if _, err := workflow.ReassignMeasurer(ctx, m.ID, newWorker, admin.ID); err != nil {
			t.Fatalf("ReassignMeasurer: %v", err)
		}
		cursor, _ := models.GetRoundRobinCursor(ctx)
		if cursor != newWorker {
			t.Fatalf("expected cursor at %d after reassignment, got %d", newWorker, cursor)
		}

		// reassigning to the same worker is a cursor no-op
		if _, err := workflow.ReassignMeasurer(ctx, m.ID, newWorker, admin.ID); err != nil {
			t.Fatalf("ReassignMeasurer(same): %v", err)
		}
		cursorAfter, _ := models.GetRoundRobinCursor(ctx)
		if cursorAfter != cursor {
			t.Fatalf("same-worker reassignment moved the cursor: %d -> %d", cursor, cursorAfter)
		}
	})

	t.Run("terminal states are final", func(t *testing.T) {
		m, _ := proposeAndCreate(t, ctx, 1004, "", "")
		if _, err := workflow.ConfirmProposal(ctx, m.ID, admin.ID); err != nil {
			t.Fatalf("ConfirmProposal: %v", err)
		}
		if _, err := workflow.CompleteMeasurement(ctx, m.ID); err != nil {
			t.Fatalf("CompleteMeasurement: %v", err)
		}
		if _, err := workflow.CancelMeasurement(ctx, m.ID, admin.ID); !errors.Is(err, models.ErrTerminalStatus) {
			t.Fatalf("expected ErrTerminalStatus, got %v", err)
		}
		if _, err := workflow.ReassignMeasurer(ctx, m.ID, a.ID, admin.ID); !errors.Is(err, models.ErrTerminalStatus) {
			t.Fatalf("expected ErrTerminalStatus on reassign, got %v", err)
		}
	})

	t.Run("no proposal requires manual selection", func(t *testing.T) {
		m, err := models.CreateMeasurementPending(ctx, &models.NewMeasurement{
			CrmLeadId: 1005,
			LeadName:  "Manual lead",
		}, nil, models.ReasonNone)
		if err != nil {
			t.Fatalf("CreateMeasurementPending: %v", err)
		}
		if _, err := workflow.ConfirmProposal(ctx, m.ID, admin.ID); !errors.Is(err, models.ErrNoProposal) {
			t.Fatalf("expected ErrNoProposal, got %v", err)
		}
		if _, err := workflow.OverrideProposal(ctx, m.ID, c.ID, admin.ID); err != nil {
			t.Fatalf("OverrideProposal: %v", err)
		}
	})

	t.Run("directory guards", func(t *testing.T) {
		// a second login-less worker must not collide on the username index
		d := createMeasurer(t, ctx, "Worker D")
		if d.Username != nil {
			t.Fatalf("expected no username, got %q", *d.Username)
		}

		// dealer names and zones bind to measurers only
		flower, err := models.CreateDealerName(ctx, "ООО Тюльпан")
		if err != nil {
			t.Fatalf("CreateDealerName: %v", err)
		}
		if _, err := models.BindDealerName(ctx, flower.ID, admin.ID); err == nil {
			t.Fatal("expected rejection binding a dealer name to an admin")
		}
		if _, err := models.BindWorkerZone(ctx, admin.ID, zone.ID); err == nil {
			t.Fatal("expected rejection binding an admin to a zone")
		}

		// a bound worker who loses the measurer role stops matching the
		// dealer tier
		if _, err := models.BindDealerName(ctx, flower.ID, d.ID); err != nil {
			t.Fatalf("BindDealerName: %v", err)
		}
		if _, err := models.UpdateUser(ctx, d.ID, &models.NewUser{
			Name: "Worker D",
			Role: string(models.UserRoleManager),
		}); err != nil {
			t.Fatalf("UpdateUser: %v", err)
		}
		proposal, err := workflow.Propose(ctx, "ООО Тюльпан", "")
		if err != nil {
			t.Fatalf("Propose: %v", err)
		}
		if proposal.Reason == models.ReasonDealer || proposal.WorkerId == d.ID {
			t.Fatalf("demoted worker still proposed via dealer tier: (%d, %s)", proposal.WorkerId, proposal.Reason)
		}
	})
}

func TestCursorContentionKeepsMeasurementPending(t *testing.T) {
	ctx := setupDispatchEnv(t)

	admin := createAdmin(t, ctx)
	createMeasurer(t, ctx, "Worker A")

	m, _ := proposeAndCreate(t, ctx, 3001, "", "")

	// Hold the cursor advisory lock on a dedicated connection so the commit
	// inside ConfirmProposal exhausts its retries.
	sqlDB, err := config.GetDB().DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	defer conn.Close()
	var got int
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK('round_robin_cursor', 0)").Scan(&got); err != nil || got != 1 {
		t.Fatalf("could not hold cursor lock: %v (got %d)", err, got)
	}

	if _, err := workflow.ConfirmProposal(ctx, m.ID, admin.ID); !errors.Is(err, models.ErrCursorBusy) {
		t.Fatalf("expected ErrCursorBusy, got %v", err)
	}

	// The record must still be pending and the cursor untouched, so a plain
	// retry can succeed.
	fresh, err := models.GetMeasurement(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMeasurement: %v", err)
	}
	if fresh.Status != models.StatusPendingConfirmation {
		t.Fatalf("busy cursor left the record in %s", fresh.Status)
	}
	cursor, _ := models.GetRoundRobinCursor(ctx)
	if cursor != 0 {
		t.Fatalf("busy cursor still advanced to %d", cursor)
	}

	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK('round_robin_cursor')").Scan(&got); err != nil {
		t.Fatalf("release lock: %v", err)
	}

	confirmed, err := workflow.ConfirmProposal(ctx, m.ID, admin.ID)
	if err != nil {
		t.Fatalf("ConfirmProposal retry: %v", err)
	}
	if confirmed.Status != models.StatusAssigned {
		t.Fatalf("expected assigned after retry, got %s", confirmed.Status)
	}
}

func TestConcurrentConfirmationsSerializeCursor(t *testing.T) {
	ctx := setupDispatchEnv(t)

	admin := createAdmin(t, ctx)
	workers := []*models.User{
		createMeasurer(t, ctx, "Worker A"),
		createMeasurer(t, ctx, "Worker B"),
		createMeasurer(t, ctx, "Worker C"),
	}

	var measurements []*models.Measurement
	for i := 0; i < 2; i++ {
		m, _ := proposeAndCreate(t, ctx, int64(2000+i), "", "")
		measurements = append(measurements, m)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(measurements))
	for i, m := range measurements {
		wg.Add(1)
		go func(i int, id int) {
			defer wg.Done()
			_, errs[i] = workflow.ConfirmProposal(ctx, id, admin.ID)
		}(i, m.ID)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent confirm %d failed: %v", i, err)
		}
	}

	// Both measurements must be assigned and the cursor must equal one of the
	// confirmed workers; a lost update would leave it pointing elsewhere.
	cursor, err := models.GetRoundRobinCursor(ctx)
	if err != nil {
		t.Fatalf("GetRoundRobinCursor: %v", err)
	}
	valid := false
	for _, w := range workers {
		if cursor == w.ID {
			valid = true
		}
	}
	if !valid {
		t.Fatalf("cursor %d does not point at any worker", cursor)
	}
	for _, m := range measurements {
		fresh, err := models.GetMeasurement(ctx, m.ID)
		if err != nil {
			t.Fatalf("GetMeasurement: %v", err)
		}
		if fresh.Status != models.StatusAssigned {
			t.Fatalf("measurement %d not assigned after concurrent confirm", m.ID)
		}
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("dispatch-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("dispatch-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=dispatch_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
