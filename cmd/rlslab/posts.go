package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ansoraGROUP/rlslab/internal/app"
	"github.com/ansoraGROUP/rlslab/internal/data"
)

func newPostsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "posts",
		Short: "List and manage posts as the signed-in user",
		Long: `List and manage posts as the signed-in user.

Every call carries your access token, so the project's RLS policies decide
which posts you see and which changes succeed.`,
	}
	cmd.AddCommand(
		newPostsListCmd(),
		newPostsCreateCmd(),
		newPostIDCmd("delete", "Delete a post you wrote (admins: any post)", func(ctx context.Context, p data.Posts, id string) error {
			return p.DeletePost(ctx, id)
		}),
		newPostIDCmd("like", "Like a post", func(ctx context.Context, p data.Posts, id string) error {
			return p.LikePost(ctx, id)
		}),
		newPostIDCmd("unlike", "Remove your like from a post", func(ctx context.Context, p data.Posts, id string) error {
			return p.UnlikePost(ctx, id)
		}),
	)
	return cmd
}

func newPostsListCmd() *cobra.Command {
	var (
		limit      int
		visibility string
		others     bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the posts visible to you",
		Long: `List the posts visible to you, newest first.

The filters only narrow what RLS already lets you see: --visibility private
shows your own private posts, or every private post for an admin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := data.ListOptions{Limit: limit}
			switch visibility {
			case "all":
			case "public", "private":
				public := visibility == "public"
				opts.Public = &public
			default:
				return fmt.Errorf("invalid --visibility %q (want all, public or private)", visibility)
			}
			if err := opts.Validate(); err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				sess, err := requireSession(a)
				if err != nil {
					return err
				}
				if others {
					opts.ExcludeAuthor = sess.ID
				}
				posts, err := a.Data.ListPosts(ctx, opts)
				if err != nil {
					return fmt.Errorf("list posts: %w", err)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTITLE\tVISIBILITY\tAUTHOR\tLIKES\t")
				for _, p := range posts {
					shown := "private"
					if p.IsPublic {
						shown = "public"
					}
					author := p.AuthorName()
					if author == "" {
						author = "Unknown"
					}
					likes := fmt.Sprint(p.LikeCount())
					if data.HasLiked(p, sess.ID) {
						likes += " (you)"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t\n", p.ID, p.Title, shown, author, likes)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d post(s) visible to %s\n", len(posts), sess.Email)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "show at most this many posts (0 for all)")
	cmd.Flags().StringVar(&visibility, "visibility", "all", "all, public or private")
	cmd.Flags().BoolVar(&others, "others", false, "hide your own posts")
	return cmd
}

func newPostsCreateCmd() *cobra.Command {
	var title, content string
	var public bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a post",
		Long: `Create a post.

Examples:
  rlslab posts create --title "Hello Hawkins" --content "Anyone seen Will?"
  rlslab posts create --title "Diary" --public=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if _, err := requireSession(a); err != nil {
					return err
				}
				p, err := a.Data.CreatePost(ctx, data.NewPost{Title: title, Content: content, IsPublic: public})
				if err != nil {
					return fmt.Errorf("create post: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created post %s\n", p.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "post title (required)")
	cmd.Flags().StringVar(&content, "content", "", "post body")
	cmd.Flags().BoolVar(&public, "public", true, "visible to everyone")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

// newPostIDCmd builds a command that applies op to the post id argument.
func newPostIDCmd(use, short string, op func(ctx context.Context, p data.Posts, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <post-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if _, err := requireSession(a); err != nil {
					return err
				}
				err := op(ctx, a.Data, args[0])
				if errors.Is(err, data.ErrNotFound) {
					return fmt.Errorf("%s %s: post not found or not permitted", use, args[0])
				}
				if err != nil {
					return fmt.Errorf("%s %s: %w", use, args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "OK: %s %s\n", use, args[0])
				return nil
			})
		},
	}
}
