package capture

import (
	"fmt"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"
)

// AttachAdminRoutes mounts a tailsql console over the capture database at
// /debug/tailsql/.
func (s *Store) AttachAdminRoutes(debug *tsweb.DebugHandler) error {
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+s.path, s.db, &tailsql.DBOptions{
		Label: "Serial capture",
	})

	debug.Handle("tailsql/", "SQL console over captured serial data", tsql.NewMux())
	return nil
}
