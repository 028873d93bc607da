package segmentdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE job(
			id INTEGER PRIMARY KEY,
			video TEXT NOT NULL,
			created_at INT NOT NULL,
			finished_at INT,
			status TEXT NOT NULL,
			error TEXT
		);

		CREATE TABLE segment(
			id INTEGER PRIMARY KEY,
			job_id INT NOT NULL,
			source TEXT NOT NULL,
			filename TEXT NOT NULL,
			source_start REAL NOT NULL,
			source_end REAL NOT NULL,
			duration REAL NOT NULL,
			frames INT NOT NULL,
			created_at INT NOT NULL,
			persisted BOOLEAN NOT NULL DEFAULT FALSE,
			library_url TEXT,
			meta TEXT
		);

		CREATE INDEX idx_segment_job_id ON segment (job_id);
	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		ALTER TABLE segment ADD COLUMN persist_status TEXT NOT NULL DEFAULT '';
		UPDATE segment SET persist_status = 'saved' WHERE persisted;
	`))

	return migs
}
