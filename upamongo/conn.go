package upamongo

import (
	"context"

	"github.com/lemmego/upa"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// conn is one logical client session. Every command runs in its session
// context, so commands issued between Begin and Commit share a transaction.
type conn struct {
	client *mongo.Client
	db     *mongo.Database
	sess   mongo.Session
	log    *logrus.Entry
	inTx   bool
}

var (
	_ upa.Conn   = (*conn)(nil)
	_ upa.TxConn = (*conn)(nil)
	_ upa.Pinger = (*conn)(nil)
)

func (c *conn) ctx(ctx context.Context) context.Context {
	return mongo.NewSessionContext(ctx, c.sess)
}

func (c *conn) Exec(ctx context.Context, st upa.Statement) (upa.Result, error) {
	cmd, err := command(st)
	if err != nil {
		return upa.Result{}, err
	}
	c.trace(cmd)
	ctx = c.ctx(ctx)
	coll := c.db.Collection(cmd.Collection)

	switch cmd.op {
	case opInsert:
		res, err := coll.InsertOne(ctx, cmd.Document)
		if err != nil {
			return upa.Result{}, convertMongoError(err)
		}
		return upa.Result{RowsAffected: 1, InsertedID: res.InsertedID}, nil
	case opReplace:
		res, err := coll.ReplaceOne(ctx, cmd.Filter, cmd.Document)
		if err != nil {
			return upa.Result{}, convertMongoError(err)
		}
		return upa.Result{RowsAffected: res.MatchedCount}, nil
	case opDelete:
		res, err := coll.DeleteOne(ctx, cmd.Filter)
		if err != nil {
			return upa.Result{}, convertMongoError(err)
		}
		return upa.Result{RowsAffected: res.DeletedCount}, nil
	case opDeleteMany:
		res, err := coll.DeleteMany(ctx, cmd.Filter)
		if err != nil {
			return upa.Result{}, convertMongoError(err)
		}
		return upa.Result{RowsAffected: res.DeletedCount}, nil
	case opCreateCollection:
		if err := c.db.CreateCollection(ctx, cmd.Collection); err != nil && !namespaceExists(err) {
			return upa.Result{}, convertMongoError(err)
		}
		return upa.Result{}, nil
	case opCreateIndexes:
		if _, err := coll.Indexes().CreateMany(ctx, cmd.Indexes); err != nil {
			return upa.Result{}, convertMongoError(err)
		}
		return upa.Result{}, nil
	}
	return upa.Result{}, upa.Errorf(upa.ErrorTypeInvalidArgument, "%s is not a write", opNames[cmd.op])
}

func (c *conn) Query(ctx context.Context, st upa.Statement) ([]*upa.Record, error) {
	cmd, err := command(st)
	if err != nil {
		return nil, err
	}
	if cmd.op != opFind {
		return nil, upa.Errorf(upa.ErrorTypeInvalidArgument, "%s is not a query", opNames[cmd.op])
	}
	c.trace(cmd)
	ctx = c.ctx(ctx)

	opts := options.Find()
	if cmd.Sort != nil {
		opts.SetSort(cmd.Sort)
	}
	if cmd.Projection != nil {
		opts.SetProjection(cmd.Projection)
	}
	if cmd.Limit != nil {
		opts.SetLimit(*cmd.Limit)
	}
	if cmd.Skip != nil {
		opts.SetSkip(*cmd.Skip)
	}

	cursor, err := c.db.Collection(cmd.Collection).Find(ctx, cmd.Filter, opts)
	if err != nil {
		return nil, convertMongoError(err)
	}
	defer cursor.Close(ctx)

	var out []*upa.Record
	for cursor.Next(ctx) {
		var doc bson.D
		if err := cursor.Decode(&doc); err != nil {
			return nil, upa.NewErrorWithCause(upa.ErrorTypeDecoding, "cannot decode document", err)
		}
		out = append(out, record(doc, cmd.fields))
	}
	if err := cursor.Err(); err != nil {
		return nil, convertMongoError(err)
	}
	return out, nil
}

func (c *conn) Count(ctx context.Context, st upa.Statement) (int64, error) {
	cmd, err := command(st)
	if err != nil {
		return 0, err
	}
	c.trace(cmd)

	opts := options.Count()
	if cmd.Limit != nil {
		opts.SetLimit(*cmd.Limit)
	}
	if cmd.Skip != nil {
		opts.SetSkip(*cmd.Skip)
	}
	n, err := c.db.Collection(cmd.Collection).CountDocuments(c.ctx(ctx), cmd.Filter, opts)
	if err != nil {
		return 0, convertMongoError(err)
	}
	return n, nil
}

func (c *conn) Begin(ctx context.Context) error {
	if c.inTx {
		return upa.NewError(upa.ErrorTypeTransaction, "transaction already open on this session")
	}
	if err := c.sess.StartTransaction(); err != nil {
		return convertMongoError(err)
	}
	c.inTx = true
	return nil
}

func (c *conn) Commit(ctx context.Context) error {
	if !c.inTx {
		return upa.NewError(upa.ErrorTypeTransaction, "no open transaction")
	}
	c.inTx = false
	return convertMongoError(c.sess.CommitTransaction(ctx))
}

func (c *conn) Rollback(ctx context.Context) error {
	if !c.inTx {
		return upa.NewError(upa.ErrorTypeTransaction, "no open transaction")
	}
	c.inTx = false
	return convertMongoError(c.sess.AbortTransaction(ctx))
}

func (c *conn) Ping(ctx context.Context) error {
	return convertMongoError(c.client.Ping(ctx, readpref.Primary()))
}

func (c *conn) Close() error {
	ctx := context.Background()
	if c.inTx {
		_ = c.sess.AbortTransaction(ctx)
		c.inTx = false
	}
	c.sess.EndSession(ctx)
	return nil
}

func (c *conn) trace(cmd *Command) {
	if c.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		c.log.WithField("command", cmd.String()).Debug("executing command")
	}
}

func command(st upa.Statement) (*Command, error) {
	cmd, ok := st.(*Command)
	if !ok {
		return nil, upa.Errorf(upa.ErrorTypeInvalidArgument, "statement %T was not compiled by upamongo", st)
	}
	return cmd, nil
}
