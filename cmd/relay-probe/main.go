package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// relay-probe 用真实的MySQL驱动从中继走一遍流量:文本协议查询一次,
// 预处理语句再查一次,两条路径的结果集跟踪都能在中继日志里看到。
func main() {
	var (
		addr     string
		user     string
		password string
		database string
		query    string
	)
	flag.StringVar(&addr, "addr", "127.0.0.1:3307", "中继监听地址")
	flag.StringVar(&user, "user", "root", "用户名")
	flag.StringVar(&password, "password", "", "密码")
	flag.StringVar(&database, "database", "", "库名")
	flag.StringVar(&query, "query", "SELECT 1", "探测语句")
	flag.Parse()

	dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s", user, password, addr, database)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "打开连接失败: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetConnMaxLifetime(time.Minute)
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "握手失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("已通过中继 %s 连上后端\n", addr)

	fmt.Println("文本协议查询:")
	if err = runQuery(db, query, false); err != nil {
		fmt.Fprintf(os.Stderr, "查询失败: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("预处理语句查询:")
	if err = runQuery(db, query, true); err != nil {
		fmt.Fprintf(os.Stderr, "预处理查询失败: %v\n", err)
		os.Exit(1)
	}
}

func runQuery(db *sql.DB, query string, prepared bool) error {
	var (
		rows *sql.Rows
		err  error
	)
	if prepared {
		stmt, err := db.Prepare(query)
		if err != nil {
			return err
		}
		defer stmt.Close()
		rows, err = stmt.Query()
		if err != nil {
			return err
		}
	} else {
		rows, err = db.Query(query)
		if err != nil {
			return err
		}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	fmt.Printf("  columns: %s\n", strings.Join(cols, ", "))

	values := make([]sql.RawBytes, len(cols))
	args := make([]interface{}, len(cols))
	for i := range values {
		args[i] = &values[i]
	}

	count := 0
	for rows.Next() {
		if err = rows.Scan(args...); err != nil {
			return err
		}
		count++
		if count <= 5 {
			cells := make([]string, len(values))
			for i, v := range values {
				if v == nil {
					cells[i] = "NULL"
				} else {
					cells[i] = string(v)
				}
			}
			fmt.Printf("  row %d: %s\n", count, strings.Join(cells, " | "))
		}
	}
	if err = rows.Err(); err != nil {
		return err
	}
	fmt.Printf("  %d rows\n", count)
	return nil
}
