package database

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"gorm.io/gorm"
)

// notifyFunction publishes a JSON change record on the channel given as the
// first trigger argument; the second argument is the logical table name.
const notifyFunction = `
CREATE OR REPLACE FUNCTION notify_metering_change() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify(
		TG_ARGV[0],
		json_build_object(
			'table', TG_ARGV[1],
			'operation', lower(TG_OP),
			'user_id', NEW.user_id,
			'data', row_to_json(NEW),
			'timestamp', now()
		)::text
	);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;`

type watchedTable struct {
	name    string
	logical string
}

var watchedTables = []watchedTable{
	{name: "subscriptions", logical: "subscription"},
	{name: "usage_counters", logical: "usage"},
}

// InstallChangeTriggers (re)creates the NOTIFY triggers on the subscription
// and usage tables. Safe to run on every start.
func InstallChangeTriggers(db *gorm.DB, channel string) error {
	if err := db.Exec(notifyFunction).Error; err != nil {
		return fmt.Errorf("create notify function: %w", err)
	}
	for _, t := range watchedTables {
		trigger := pgx.Identifier{t.name + "_notify_change"}.Sanitize()
		table := pgx.Identifier{t.name}.Sanitize()
		if err := db.Exec(fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", trigger, table)).Error; err != nil {
			return fmt.Errorf("drop trigger on %s: %w", t.name, err)
		}
		stmt := fmt.Sprintf(
			"CREATE TRIGGER %s AFTER INSERT OR UPDATE ON %s FOR EACH ROW EXECUTE FUNCTION notify_metering_change(%s, %s)",
			trigger, table, quoteLiteral(channel), quoteLiteral(t.logical),
		)
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create trigger on %s: %w", t.name, err)
		}
	}
	return nil
}

func quoteLiteral(s string) string {
	out := []byte{'\''}
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(append(out, '\''))
}
