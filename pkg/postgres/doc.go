// Package postgres wraps gorm with a PostgreSQL connection that is health
// checked and re-established in the background.
//
// The consumer uses it to record processed orders when POSTGRES_HOST is set:
//
//	db, err := postgres.NewPostgres(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	if err := db.Migrate(&orders.Record{}); err != nil {
//	    return err
//	}
//
// Errors from gorm and pgx can be normalised with TranslateError and then
// compared with errors.Is against ErrRecordNotFound, ErrDuplicateKey and
// the other sentinels.
package postgres
