package schema

// TableNames lists all worker tables in creation order.
var TableNames = []string{
	"email_templates",
	"email_queue",
	"email_history",
	"email_attachments",
	"processing_logs",
	"scheduled_emails",
	"service_status",
}

// TableDefinitions contains the CREATE TABLE / CREATE INDEX statements for the
// worker schema. Status and priority columns store the wire codes
// (queued=0 through scheduled=5, low=1 through critical=4).
var TableDefinitions = []string{
	`CREATE TABLE IF NOT EXISTS email_templates (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		category VARCHAR(100),
		subject_template TEXT NOT NULL,
		body_template TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		created_by VARCHAR(255) NOT NULL DEFAULT 'system'
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_email_templates_active_name
		ON email_templates(name) WHERE is_active`,

	`CREATE TABLE IF NOT EXISTS email_queue (
		id BIGSERIAL PRIMARY KEY,
		queue_id UUID NOT NULL UNIQUE,
		priority SMALLINT NOT NULL DEFAULT 2,
		status SMALLINT NOT NULL DEFAULT 0,
		to_emails TEXT NOT NULL,
		cc_emails TEXT,
		bcc_emails TEXT,
		subject TEXT NOT NULL,
		body TEXT NOT NULL,
		is_html BOOLEAN NOT NULL DEFAULT FALSE,
		template_id BIGINT REFERENCES email_templates(id),
		template_data JSONB,
		requires_template_processing BOOLEAN NOT NULL DEFAULT FALSE,
		attachments JSONB,
		has_embedded_images BOOLEAN NOT NULL DEFAULT FALSE,
		retry_count INTEGER NOT NULL DEFAULT 0,
		processing_started_at TIMESTAMP,
		processed_at TIMESTAMP,
		error_message TEXT,
		processed_by VARCHAR(255),
		next_retry_at TIMESTAMP,
		scheduled_for TIMESTAMP,
		is_scheduled BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		created_by VARCHAR(255) NOT NULL DEFAULT 'api',
		request_source VARCHAR(255)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_email_queue_claim
		ON email_queue(status, priority, created_at)
		INCLUDE (queue_id, to_emails, subject)`,
	`CREATE INDEX IF NOT EXISTS idx_email_queue_scheduled
		ON email_queue(scheduled_for) WHERE is_scheduled`,
	`CREATE INDEX IF NOT EXISTS idx_email_queue_failed_retry
		ON email_queue(retry_count) WHERE status = 3`,

	`CREATE TABLE IF NOT EXISTS email_history (
		id BIGSERIAL PRIMARY KEY,
		queue_id UUID NOT NULL,
		to_emails TEXT NOT NULL,
		cc_emails TEXT,
		bcc_emails TEXT,
		subject TEXT NOT NULL,
		final_body TEXT NOT NULL,
		status SMALLINT NOT NULL,
		sent_at TIMESTAMP,
		processing_time_ms BIGINT NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		template_id BIGINT,
		template_used VARCHAR(255),
		attachment_count INTEGER NOT NULL DEFAULT 0,
		error_details TEXT,
		processed_by VARCHAR(255) NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_email_history_queue_id ON email_history(queue_id)`,
	`CREATE INDEX IF NOT EXISTS idx_email_history_created_at ON email_history(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_email_history_status ON email_history(status, created_at)`,

	`CREATE TABLE IF NOT EXISTS email_attachments (
		id BIGSERIAL PRIMARY KEY,
		queue_id UUID NOT NULL,
		file_name VARCHAR(255) NOT NULL,
		content_type VARCHAR(255) NOT NULL,
		content BYTEA NOT NULL,
		is_inline BOOLEAN NOT NULL DEFAULT FALSE,
		content_id VARCHAR(255),
		size_bytes BIGINT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_email_attachments_queue_id ON email_attachments(queue_id)`,

	`CREATE TABLE IF NOT EXISTS processing_logs (
		id BIGSERIAL PRIMARY KEY,
		log_level VARCHAR(20) NOT NULL,
		category VARCHAR(100) NOT NULL,
		message TEXT NOT NULL,
		exception TEXT,
		queue_id UUID,
		worker_id VARCHAR(255),
		processing_step VARCHAR(100),
		context_data JSONB,
		correlation_id UUID,
		machine_name VARCHAR(255) NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_processing_logs_queue_id ON processing_logs(queue_id)`,
	`CREATE INDEX IF NOT EXISTS idx_processing_logs_created_at ON processing_logs(created_at)`,

	`CREATE TABLE IF NOT EXISTS scheduled_emails (
		id BIGSERIAL PRIMARY KEY,
		schedule_id UUID NOT NULL UNIQUE,
		next_run_time TIMESTAMP NOT NULL,
		cron_expression VARCHAR(100),
		interval_minutes INTEGER,
		is_recurring BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		execution_count INTEGER NOT NULL DEFAULT 0,
		max_executions INTEGER,
		last_executed_at TIMESTAMP,
		to_emails TEXT NOT NULL,
		cc_emails TEXT,
		bcc_emails TEXT,
		subject TEXT NOT NULL,
		body TEXT NOT NULL,
		is_html BOOLEAN NOT NULL DEFAULT FALSE,
		template_id BIGINT REFERENCES email_templates(id),
		template_data JSONB,
		attachments JSONB,
		priority SMALLINT NOT NULL DEFAULT 2,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		created_by VARCHAR(255) NOT NULL DEFAULT 'api'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scheduled_emails_due
		ON scheduled_emails(next_run_time) WHERE is_active`,

	`CREATE TABLE IF NOT EXISTS service_status (
		id BIGSERIAL PRIMARY KEY,
		service_name VARCHAR(255) NOT NULL,
		machine_name VARCHAR(255) NOT NULL,
		status VARCHAR(20) NOT NULL,
		last_heartbeat TIMESTAMP NOT NULL,
		queue_depth BIGINT NOT NULL DEFAULT 0,
		emails_per_hour BIGINT NOT NULL DEFAULT 0,
		error_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_processing_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		goroutine_count INTEGER NOT NULL DEFAULT 0,
		memory_alloc_bytes BIGINT NOT NULL DEFAULT 0,
		uptime_seconds BIGINT NOT NULL DEFAULT 0,
		total_processed BIGINT NOT NULL DEFAULT 0,
		total_failed BIGINT NOT NULL DEFAULT 0,
		UNIQUE (service_name, machine_name)
	)`,
}
