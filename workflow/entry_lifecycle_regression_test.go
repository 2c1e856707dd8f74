package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/forms_backend/config"
	"bitbucket.org/mmdatafocus/forms_backend/models"
	"bitbucket.org/mmdatafocus/forms_backend/utils"
	"bitbucket.org/mmdatafocus/forms_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// End-to-end lifecycle against real MySQL + Redis: submit -> confirm ->
// final-confirm -> stock moved exactly once, with the retry, negative-guard
// and no-rule paths checked along the way.
func TestEntryLifecycleMovesStockExactlyOnce(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

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
	t.Setenv("DB_NAME", "forms_test")
	t.Setenv("STRICT_CONFIRMATION_GATING", "")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	db := config.GetDB()
	if db == nil {
		t.Fatalf("db is nil after ConnectDatabaseWithRetry")
	}
	logger := logrus.New()

	// Seed: submitter, one regular approver, one final approver.
	submitter := seedUser(t, "submitter", models.UserRoleStaff)
	approver := seedUser(t, "approver", models.UserRoleStaff)
	finalApprover := seedUser(t, "finalapprover", models.UserRoleAdmin)

	form := models.Form{Name: "Stock Receipt", Code: "SR", IsActive: utils.NewTrue()}
	if err := db.Create(&form).Error; err != nil {
		t.Fatalf("create form: %v", err)
	}
	fields := []models.FormField{
		{FormId: form.ID, FieldKey: "code", Label: "Item Code", FieldType: models.FieldTypeText, Required: utils.NewTrue(), SortOrder: 1},
		{FormId: form.ID, FieldKey: "name", Label: "Item Name", FieldType: models.FieldTypeText, SortOrder: 2},
		{FormId: form.ID, FieldKey: "qty", Label: "Quantity", FieldType: models.FieldTypeNumber, Required: utils.NewTrue(), SortOrder: 3},
	}
	if err := db.Create(&fields).Error; err != nil {
		t.Fatalf("create fields: %v", err)
	}
	approvers := []models.FormApprover{
		{FormId: form.ID, UserId: approver.ID, IsFinal: utils.NewFalse()},
		{FormId: form.ID, UserId: finalApprover.ID, IsFinal: utils.NewTrue()},
	}
	if err := db.Create(&approvers).Error; err != nil {
		t.Fatalf("create approvers: %v", err)
	}
	nameKey := "name"
	rule := models.LedgerRule{
		FormId:          form.ID,
		CodeFieldKey:    "code",
		QtyFieldKey:     "qty",
		NameFieldKey:    &nameKey,
		UpdateMode:      models.LedgerUpdateModeDelta,
		AllowNegative:   utils.NewFalse(),
		CreateIfMissing: utils.NewTrue(),
	}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("create rule: %v", err)
	}

	// 1) Submit. Decode the payload from JSON so numbers arrive as the API
	// receives them.
	var input models.NewEntry
	body := fmt.Sprintf(`{"form_id":%d,"payload":{"code":"X1","name":"Widget","qty":3}}`, form.ID)
	if err := json.Unmarshal([]byte(body), &input); err != nil {
		t.Fatalf("decode input: %v", err)
	}
	submitterCtx := utils.SetUserIdInContext(ctx, submitter.ID)
	entry, err := workflow.CreateEntry(submitterCtx, db, logger, &input)
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if entry.Status != models.EntryStatusDraft {
		t.Fatalf("new entry status = %s, want Draft", entry.Status)
	}

	var obligations int64
	if err := db.Model(&models.Confirmation{}).Where("entry_id = ?", entry.ID).Count(&obligations).Error; err != nil {
		t.Fatalf("count obligations: %v", err)
	}
	if obligations != 2 {
		t.Fatalf("expected 2 confirmation obligations, got %d", obligations)
	}

	// Re-running the generator must not duplicate obligations.
	if err := workflow.GenerateConfirmations(db, entry.ID); err != nil {
		t.Fatalf("GenerateConfirmations rerun: %v", err)
	}
	if err := db.Model(&models.Confirmation{}).Where("entry_id = ?", entry.ID).Count(&obligations).Error; err != nil {
		t.Fatalf("recount obligations: %v", err)
	}
	if obligations != 2 {
		t.Fatalf("rerun duplicated obligations: got %d", obligations)
	}

	// 2) The final is not actionable before any co-approver signs.
	finalCtx := utils.SetUserIdInContext(ctx, finalApprover.ID)
	summary, err := workflow.PendingCounts(finalCtx, db)
	if err != nil {
		t.Fatalf("PendingCounts(final, before): %v", err)
	}
	if summary.FinalCount != 1 || summary.ActionableFinal != 0 {
		t.Fatalf("final before co-sign: final=%d actionable=%d, want 1/0", summary.FinalCount, summary.ActionableFinal)
	}

	// A user with no obligation cannot sign.
	if _, err := workflow.SignConfirmation(submitterCtx, db, logger, entry.ID); !errors.Is(err, utils.ErrorForbidden) {
		t.Fatalf("submitter sign: got %v, want ErrorForbidden", err)
	}

	// 3) Regular confirmation. No stock moves (form has no apply-on-confirm field).
	// Prime the approver's summary cache first; signing must leave it fresh.
	approverCtx := utils.SetUserIdInContext(ctx, approver.ID)
	approverSummary, err := workflow.PendingCounts(approverCtx, db)
	if err != nil {
		t.Fatalf("PendingCounts(approver, before): %v", err)
	}
	if approverSummary.PendingCount != 1 {
		t.Fatalf("approver before sign: pending=%d, want 1", approverSummary.PendingCount)
	}
	res, err := workflow.SignConfirmation(approverCtx, db, logger, entry.ID)
	if err != nil {
		t.Fatalf("SignConfirmation(approver): %v", err)
	}
	if res.Step != workflow.SignStepConfirm || res.LedgerApplied {
		t.Fatalf("approver sign: step=%s ledgerApplied=%v, want confirm/false", res.Step, res.LedgerApplied)
	}
	mustEntryStatus(t, db, entry.ID, models.EntryStatusConfirmed)

	// The committed signature must be visible through the cache immediately.
	approverSummary, err = workflow.PendingCounts(approverCtx, db)
	if err != nil {
		t.Fatalf("PendingCounts(approver, after): %v", err)
	}
	if approverSummary.PendingCount != 0 {
		t.Fatalf("approver after sign: pending=%d, want 0 (stale cache)", approverSummary.PendingCount)
	}

	// Their signature is consumed.
	if _, err := workflow.SignConfirmation(approverCtx, db, logger, entry.ID); !errors.Is(err, utils.ErrorForbidden) {
		t.Fatalf("approver re-sign: got %v, want ErrorForbidden", err)
	}

	// Now the final obligation is actionable.
	summary, err = workflow.PendingCounts(finalCtx, db)
	if err != nil {
		t.Fatalf("PendingCounts(final, after): %v", err)
	}
	if summary.ActionableFinal != 1 {
		t.Fatalf("final after co-sign: actionable=%d, want 1", summary.ActionableFinal)
	}
	list, err := workflow.PendingList(finalCtx, db)
	if err != nil {
		t.Fatalf("PendingList(final): %v", err)
	}
	if len(list) != 1 || !list[0].Actionable || !list[0].IsFinal {
		t.Fatalf("unexpected pending list for final approver: %+v", list)
	}

	// 4) Final confirmation fires the ledger.
	res, err = workflow.SignConfirmation(finalCtx, db, logger, entry.ID)
	if err != nil {
		t.Fatalf("SignConfirmation(final): %v", err)
	}
	if res.Step != workflow.SignStepFinal || !res.LedgerApplied || res.Apply == nil {
		t.Fatalf("final sign: %+v, want applied final step", res)
	}
	if !res.Apply.NewQty.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("final sign new qty = %s, want 3", res.Apply.NewQty)
	}
	mustEntryStatus(t, db, entry.ID, models.EntryStatusFinalConfirmed)

	var item models.LedgerItem
	if err := db.Where("code = ?", "X1").First(&item).Error; err != nil {
		t.Fatalf("item X1 not auto-created: %v", err)
	}
	if item.Name != "Widget" {
		t.Fatalf("auto-created item name = %q, want Widget", item.Name)
	}
	if !item.CurrentQty.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("item qty = %s, want 3", item.CurrentQty)
	}
	mustMovementCount(t, db, entry.ID, 1)

	var outboxMsg models.OutboxMessage
	if err := db.Where("entry_id = ?", entry.ID).First(&outboxMsg).Error; err != nil {
		t.Fatalf("expected an outbox message for the movement: %v", err)
	}
	if outboxMsg.ItemCode != "X1" {
		t.Fatalf("outbox item code = %q, want X1", outboxMsg.ItemCode)
	}
	if outboxMsg.PublishStatus != models.OutboxPublishStatusPending {
		t.Fatalf("outbox publish status = %s, want PENDING", outboxMsg.PublishStatus)
	}

	// 5) Retrying the application is a skip, not a second movement.
	apply, err := workflow.ApplyEntryLedger(finalCtx, db, logger, entry.ID)
	if err != nil {
		t.Fatalf("ApplyEntryLedger retry: %v", err)
	}
	if apply.Applied || apply.Skipped != workflow.SkipAlreadyApplied {
		t.Fatalf("retry result = %+v, want already_applied skip", apply)
	}
	mustMovementCount(t, db, entry.ID, 1)
	mustItemQty(t, db, "X1", "3")

	// 6) A draw-down past zero is rejected and rolls the signature back too.
	negEntry := createAndConfirm(t, ctx, db, logger, form.ID, submitter.ID, approver.ID,
		`{"code":"X1","qty":-5}`)
	if _, err := workflow.SignConfirmation(finalCtx, db, logger, negEntry.ID); !errors.Is(err, utils.ErrorNegativeNotAllowed) {
		t.Fatalf("negative final sign: got %v, want ErrorNegativeNotAllowed", err)
	}
	mustEntryStatus(t, db, negEntry.ID, models.EntryStatusConfirmed)
	var unsigned int64
	if err := db.Model(&models.Confirmation{}).
		Where("entry_id = ? AND user_id = ? AND signed_at IS NULL", negEntry.ID, finalApprover.ID).
		Count(&unsigned).Error; err != nil {
		t.Fatalf("count unsigned final: %v", err)
	}
	if unsigned != 1 {
		t.Fatalf("failed application must leave the final signature pending")
	}
	mustItemQty(t, db, "X1", "3")

	// A partial draw-down within stock still works.
	drawEntry := createAndConfirm(t, ctx, db, logger, form.ID, submitter.ID, approver.ID,
		`{"code":"X1","qty":-2}`)
	if _, err := workflow.SignConfirmation(finalCtx, db, logger, drawEntry.ID); err != nil {
		t.Fatalf("draw-down final sign: %v", err)
	}
	mustItemQty(t, db, "X1", "1")

	// 7) Set mode overwrites instead of adding.
	setForm := models.Form{Name: "Stock Count", Code: "SC", IsActive: utils.NewTrue()}
	if err := db.Create(&setForm).Error; err != nil {
		t.Fatalf("create set form: %v", err)
	}
	setApprovers := []models.FormApprover{
		{FormId: setForm.ID, UserId: approver.ID, IsFinal: utils.NewFalse()},
		{FormId: setForm.ID, UserId: finalApprover.ID, IsFinal: utils.NewTrue()},
	}
	if err := db.Create(&setApprovers).Error; err != nil {
		t.Fatalf("create set approvers: %v", err)
	}
	setRule := models.LedgerRule{
		FormId:       setForm.ID,
		CodeFieldKey: "code",
		QtyFieldKey:  "qty",
		UpdateMode:   models.LedgerUpdateModeSet,
	}
	if err := db.Create(&setRule).Error; err != nil {
		t.Fatalf("create set rule: %v", err)
	}
	setEntry := createAndConfirm(t, ctx, db, logger, setForm.ID, submitter.ID, approver.ID,
		`{"code":"X1","qty":10}`)
	setRes, err := workflow.SignConfirmation(finalCtx, db, logger, setEntry.ID)
	if err != nil {
		t.Fatalf("set-mode final sign: %v", err)
	}
	if !setRes.Apply.Delta.Equal(decimal.NewFromInt(9)) {
		t.Fatalf("set-mode delta = %s, want 9 (1 -> 10)", setRes.Apply.Delta)
	}
	mustItemQty(t, db, "X1", "10")

	// 8) A form without a rule final-confirms without touching stock.
	plainForm := models.Form{Name: "Leave Request", Code: "LR", IsActive: utils.NewTrue()}
	if err := db.Create(&plainForm).Error; err != nil {
		t.Fatalf("create plain form: %v", err)
	}
	plainApprover := models.FormApprover{FormId: plainForm.ID, UserId: finalApprover.ID, IsFinal: utils.NewTrue()}
	if err := db.Create(&plainApprover).Error; err != nil {
		t.Fatalf("create plain approver: %v", err)
	}
	var plainInput models.NewEntry
	if err := json.Unmarshal([]byte(fmt.Sprintf(`{"form_id":%d,"payload":{"days":2}}`, plainForm.ID)), &plainInput); err != nil {
		t.Fatalf("decode plain input: %v", err)
	}
	plainEntry, err := workflow.CreateEntry(submitterCtx, db, logger, &plainInput)
	if err != nil {
		t.Fatalf("CreateEntry(plain): %v", err)
	}
	plainRes, err := workflow.SignConfirmation(finalCtx, db, logger, plainEntry.ID)
	if err != nil {
		t.Fatalf("plain final sign: %v", err)
	}
	if plainRes.LedgerApplied || plainRes.Apply == nil || plainRes.Apply.Skipped != workflow.SkipNoRule {
		t.Fatalf("plain final sign result = %+v, want no_rule skip", plainRes)
	}
	mustEntryStatus(t, db, plainEntry.ID, models.EntryStatusFinalConfirmed)

	// 9) Rebuild finds nothing to fix on a healthy ledger.
	drifts, err := workflow.RebuildItemQuantities(ctx, db, logger, true)
	if err != nil {
		t.Fatalf("RebuildItemQuantities: %v", err)
	}
	if len(drifts) != 0 {
		t.Fatalf("healthy ledger reported drift: %+v", drifts)
	}
}

func seedUser(t *testing.T, username string, role models.UserRole) *models.User {
	t.Helper()
	hashed, err := utils.HashPassword("testpw123")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	u := models.User{
		Username: username,
		Name:     username,
		Password: string(hashed),
		IsActive: utils.NewTrue(),
		Role:     role,
	}
	if err := config.GetDB().Create(&u).Error; err != nil {
		t.Fatalf("seed user %s: %v", username, err)
	}
	return &u
}

// createAndConfirm submits an entry and collects the non-final signature,
// leaving it ready for the final approver.
func createAndConfirm(t *testing.T, ctx context.Context, db *gorm.DB, logger *logrus.Logger,
	formId, submitterId, approverId int, payload string) *models.Entry {
	t.Helper()
	var input models.NewEntry
	if err := json.Unmarshal([]byte(fmt.Sprintf(`{"form_id":%d,"payload":%s}`, formId, payload)), &input); err != nil {
		t.Fatalf("decode input: %v", err)
	}
	entry, err := workflow.CreateEntry(utils.SetUserIdInContext(ctx, submitterId), db, logger, &input)
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if _, err := workflow.SignConfirmation(utils.SetUserIdInContext(ctx, approverId), db, logger, entry.ID); err != nil {
		t.Fatalf("confirm entry %d: %v", entry.ID, err)
	}
	return entry
}

func mustEntryStatus(t *testing.T, db *gorm.DB, entryId int, want models.EntryStatus) {
	t.Helper()
	var entry models.Entry
	if err := db.Where("id = ?", entryId).First(&entry).Error; err != nil {
		t.Fatalf("load entry %d: %v", entryId, err)
	}
	if entry.Status != want {
		t.Fatalf("entry %d status = %s, want %s", entryId, entry.Status, want)
	}
}

func mustMovementCount(t *testing.T, db *gorm.DB, entryId int, want int64) {
	t.Helper()
	var count int64
	if err := db.Model(&models.LedgerMovement{}).Where("entry_id = ?", entryId).Count(&count).Error; err != nil {
		t.Fatalf("count movements: %v", err)
	}
	if count != want {
		t.Fatalf("entry %d movements = %d, want %d", entryId, count, want)
	}
}

func mustItemQty(t *testing.T, db *gorm.DB, code, want string) {
	t.Helper()
	var item models.LedgerItem
	if err := db.Where("code = ?", code).First(&item).Error; err != nil {
		t.Fatalf("load item %s: %v", code, err)
	}
	if !item.CurrentQty.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("item %s qty = %s, want %s", code, item.CurrentQty, want)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("forms-test-redis-%d", time.Now().UnixNano())
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
	name := fmt.Sprintf("forms-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=forms_test",
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
