package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE pipelines (
				id UUID PRIMARY KEY,
				title VARCHAR(255) NOT NULL,
				template VARCHAR(100) NOT NULL,
				prompt TEXT NOT NULL DEFAULT '',
				working_dir VARCHAR(1024),
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'running', 'waiting_for_approval', 'done', 'failed')),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_pipelines_status ON pipelines(status);
			CREATE INDEX idx_pipelines_created_at ON pipelines(created_at);

			CREATE TABLE steps (
				id UUID PRIMARY KEY,
				pipeline_id UUID NOT NULL REFERENCES pipelines(id) ON DELETE CASCADE,
				agent_name VARCHAR(100) NOT NULL,
				position INTEGER NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'running', 'done', 'failed', 'skipped')),
				model VARCHAR(255),
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				error_message TEXT,
				UNIQUE (pipeline_id, position)
			);

			CREATE INDEX idx_steps_pipeline_id ON steps(pipeline_id);

			CREATE TABLE handoffs (
				id UUID NOT NULL,
				seq BIGSERIAL PRIMARY KEY,
				step_id UUID NOT NULL REFERENCES steps(id) ON DELETE CASCADE,
				content TEXT NOT NULL,
				metadata TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_handoffs_step_id ON handoffs(step_id);

			CREATE TABLE approvals (
				id UUID PRIMARY KEY,
				step_id UUID NOT NULL UNIQUE REFERENCES steps(id) ON DELETE CASCADE,
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'approved', 'rejected')),
				comment TEXT,
				decided_by VARCHAR(255),
				decided_at TIMESTAMP WITH TIME ZONE
			);

			CREATE TABLE audit_events (
				id UUID PRIMARY KEY,
				pipeline_id UUID NOT NULL REFERENCES pipelines(id) ON DELETE CASCADE,
				step_id UUID REFERENCES steps(id) ON DELETE SET NULL,
				event_type VARCHAR(100) NOT NULL,
				payload TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_audit_events_pipeline_id ON audit_events(pipeline_id);
			CREATE INDEX idx_audit_events_created_at ON audit_events(created_at);
		`,
	}
}
