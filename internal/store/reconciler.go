package store

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/gosimple/slug"
	"github.com/parableapp/parable-ingest/internal/ingest"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"
	"log/slog"
)

// systemUserName attributes seeded reviews and activity to a visible
// house account instead of a random reader.
const systemUserName = "Parable Archivist"

// randIntn is a seam for deterministic engagement math in tests.
var randIntn = rand.Intn

// jitter returns a random int in [min, max].
func jitter(min, max int) int {
	return min + randIntn(max-min+1)
}

type identityDoc struct {
	ID primitive.ObjectID `bson:"_id"`
}

// upsertBySlug runs the shared slug-keyed upsert and returns the
// document's hex id. $setOnInsert carries the immutable identity
// fields, $set the refreshable ones.
func (s *Store) upsertBySlug(ctx context.Context, coll, slugValue string, set, setOnInsert bson.M) (string, error) {
	setOnInsert["slug"] = slugValue
	setOnInsert["createdAt"] = time.Now().UTC()
	set["updatedAt"] = time.Now().UTC()

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After).
		SetProjection(bson.M{"_id": 1})

	var doc identityDoc
	err := s.db.Collection(coll).FindOneAndUpdate(ctx,
		bson.M{"slug": slugValue},
		bson.M{"$set": set, "$setOnInsert": setOnInsert},
		opts,
	).Decode(&doc)
	if err != nil {
		return "", fmt.Errorf("upserting %s %q: %w", coll, slugValue, err)
	}
	return doc.ID.Hex(), nil
}

// UpsertAuthor writes the author identity keyed on the name slug.
func (s *Store) UpsertAuthor(ctx context.Context, p ingest.AuthorPayload) (string, error) {
	return s.upsertBySlug(ctx, authorsCollection, slug.Make(p.Name),
		bson.M{
			"name":           p.Name,
			"bio":            p.Bio,
			"profilePicture": p.PictureURL,
			"nationality":    p.Nationality,
		},
		bson.M{"books": bson.A{}},
	)
}

// UpsertGenre writes the genre identity keyed on the name slug.
func (s *Store) UpsertGenre(ctx context.Context, p ingest.GenrePayload) (string, error) {
	return s.upsertBySlug(ctx, genresCollection, slug.Make(p.Name),
		bson.M{
			"name":        p.Name,
			"description": p.Description,
		},
		bson.M{},
	)
}

// UpsertBook writes the book document keyed on the title slug. Every
// refreshable field, the editor-pick flag included, is overwritten on
// re-runs so curation follows the latest resolved data.
func (s *Store) UpsertBook(ctx context.Context, p ingest.BookPayload) (string, error) {
	authorID, err := primitive.ObjectIDFromHex(p.AuthorID)
	if err != nil {
		return "", fmt.Errorf("invalid author id %q: %w", p.AuthorID, err)
	}

	genreIDs := make(bson.A, 0, len(p.GenreIDs))
	for _, gid := range p.GenreIDs {
		oid, err := primitive.ObjectIDFromHex(gid)
		if err != nil {
			return "", fmt.Errorf("invalid genre id %q: %w", gid, err)
		}
		genreIDs = append(genreIDs, oid)
	}

	chapters := make(bson.A, 0, len(p.Chapters))
	for _, ch := range p.Chapters {
		chapters = append(chapters, bson.M{"title": ch.Title})
	}

	return s.upsertBySlug(ctx, booksCollection, slug.Make(p.Title),
		bson.M{
			"title":           p.Title,
			"description":     p.Description,
			"author":          authorID,
			"genre":           genreIDs,
			"coverImage":      p.CoverImage,
			"ebookFileUrl":    p.EbookFileURL,
			"ebookFileType":   "epub",
			"publisher":       p.Publisher,
			"language":        p.Language,
			"pageCount":       p.PageCount,
			"chapters":        chapters,
			"isbn":            p.ISBN,
			"publicationDate": p.PublicationDate,
			"editorPick":      p.EditorPick,
			"averageRating":   p.Stats.AverageRating,
			"numReviews":      p.Stats.NumReviews,
		},
		// Commercial flags start at their defaults and are left alone on
		// re-runs so curation edits survive re-ingestion.
		bson.M{
			"isPremium":   false,
			"isPublished": true,
			"price":       0,
		},
	)
}

// LinkBookToAuthor adds the book reference to the author's books array.
// $addToSet keeps re-runs from duplicating the reference.
func (s *Store) LinkBookToAuthor(ctx context.Context, authorID, bookID string) error {
	aid, err := primitive.ObjectIDFromHex(authorID)
	if err != nil {
		return fmt.Errorf("invalid author id %q: %w", authorID, err)
	}
	bid, err := primitive.ObjectIDFromHex(bookID)
	if err != nil {
		return fmt.Errorf("invalid book id %q: %w", bookID, err)
	}

	_, err = s.db.Collection(authorsCollection).UpdateByID(ctx, aid,
		bson.M{"$addToSet": bson.M{"books": bid}})
	if err != nil {
		return fmt.Errorf("linking book to author: %w", err)
	}
	return nil
}

// RecordSocialStats refreshes the rating aggregates on the book.
func (s *Store) RecordSocialStats(ctx context.Context, bookID string, stats ingest.SocialStats) error {
	bid, err := primitive.ObjectIDFromHex(bookID)
	if err != nil {
		return fmt.Errorf("invalid book id %q: %w", bookID, err)
	}

	_, err = s.db.Collection(booksCollection).UpdateByID(ctx, bid, bson.M{"$set": bson.M{
		"averageRating": stats.AverageRating,
		"numReviews":    stats.NumReviews,
		"updatedAt":     time.Now().UTC(),
	}})
	if err != nil {
		return fmt.Errorf("recording social stats: %w", err)
	}
	return nil
}

// engagementCounters derives launch-seed engagement numbers from the
// resolved review volume, with bounded jitter so the catalog does not
// look machine-generated.
func engagementCounters(stats ingest.SocialStats, jitter func(min, max int) int) (likes, reads, trending int) {
	likes = int(float64(stats.NumReviews)*1.5) + jitter(1, 10)
	reads = stats.NumReviews*5 + jitter(10, 50)
	trending = likes*3 + reads
	return likes, reads, trending
}

// SeedEngagement writes the derived engagement counters onto the book,
// records a system-user activity and an in-progress reading position so
// freshly ingested books surface in discovery feeds.
func (s *Store) SeedEngagement(ctx context.Context, bookID string, stats ingest.SocialStats) error {
	bid, err := primitive.ObjectIDFromHex(bookID)
	if err != nil {
		return fmt.Errorf("invalid book id %q: %w", bookID, err)
	}

	userID, err := s.systemUser(ctx)
	if err != nil {
		return err
	}
	uid, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return fmt.Errorf("invalid system user id %q: %w", userID, err)
	}

	likes, reads, trending := engagementCounters(stats, jitter)

	_, err = s.db.Collection(booksCollection).UpdateByID(ctx, bid, bson.M{"$set": bson.M{
		"likesCount":    likes,
		"readsCount":    reads,
		"trendingScore": trending,
		"updatedAt":     time.Now().UTC(),
	}})
	if err != nil {
		return fmt.Errorf("seeding engagement counters: %w", err)
	}

	_, err = s.db.Collection(actionsCollection).InsertOne(ctx, bson.M{
		"user":      uid,
		"book":      bid,
		"type":      "like",
		"createdAt": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("recording seed action: %w", err)
	}

	progressOpts := options.Update().SetUpsert(true)
	_, err = s.db.Collection(progressCollection).UpdateOne(ctx,
		bson.M{"user": uid, "book": bid},
		bson.M{
			"$set": bson.M{
				"progress":  jitter(20, 80),
				"updatedAt": time.Now().UTC(),
			},
			"$setOnInsert": bson.M{"createdAt": time.Now().UTC()},
		},
		progressOpts,
	)
	if err != nil {
		return fmt.Errorf("seeding reading progress: %w", err)
	}

	slog.Debug("Engagement seeded", "book", bookID, "likes", likes, "reads", reads, "trending", trending)
	return nil
}

// AppendReview inserts one pre-approved review attributed to the system
// user. Reviews are additive; re-running an id appends again.
func (s *Store) AppendReview(ctx context.Context, bookID string, rating float64, comment string) error {
	bid, err := primitive.ObjectIDFromHex(bookID)
	if err != nil {
		return fmt.Errorf("invalid book id %q: %w", bookID, err)
	}

	userID, err := s.systemUser(ctx)
	if err != nil {
		return err
	}
	uid, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return fmt.Errorf("invalid system user id %q: %w", userID, err)
	}

	_, err = s.db.Collection(reviewsCollection).InsertOne(ctx, bson.M{
		"book":      bid,
		"user":      uid,
		"rating":    rating,
		"comment":   comment,
		"status":    "approved",
		"isSpoiler": false,
		"createdAt": time.Now().UTC(),
		"updatedAt": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("appending review: %w", err)
	}
	return nil
}

// systemUser gets or creates the house account once per process.
func (s *Store) systemUser(ctx context.Context) (string, error) {
	s.systemUserOnce.Do(func() {
		userSlug := slug.Make(systemUserName)
		opts := options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After).
			SetProjection(bson.M{"_id": 1})

		var doc identityDoc
		err := s.db.Collection(usersCollection).FindOneAndUpdate(ctx,
			bson.M{"username": userSlug},
			bson.M{"$setOnInsert": bson.M{
				"username":  userSlug,
				"name":      systemUserName,
				"email":     "archivist@parable.app",
				"role":      "system",
				"createdAt": time.Now().UTC(),
			}},
			opts,
		).Decode(&doc)
		if err != nil {
			s.systemUserErr = fmt.Errorf("resolving system user: %w", err)
			return
		}
		s.systemUserID = doc.ID.Hex()
	})
	return s.systemUserID, s.systemUserErr
}
