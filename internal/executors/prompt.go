package executors

import (
	"strings"
)

// Template identifies which meeting minutes template a prompt was built from
type Template string

// Prompt templates
const (
	TemplateChinese Template = "zh"
	TemplateEnglish Template = "en"
)

// SelectTemplate picks the Chinese template for zh and auto and for any
// transcript with a non-ASCII character in its first 100 characters.
func SelectTemplate(transcript, language string) Template {
	if language == "zh" || language == "auto" {
		return TemplateChinese
	}
	n := 0
	for _, r := range transcript {
		if n == 100 {
			break
		}
		if r > 127 {
			return TemplateChinese
		}
		n++
	}
	return TemplateEnglish
}

// BuildPrompt renders the meeting minutes prompt for a transcript
func BuildPrompt(transcript, title, language string) (string, Template) {
	tmpl := SelectTemplate(transcript, language)
	body := englishTemplate
	if tmpl == TemplateChinese {
		body = chineseTemplate
	}
	r := strings.NewReplacer("{title}", title, "{transcript}", transcript)
	return r.Replace(body), tmpl
}

const chineseTemplate = `请根据以下会议录音转录内容，生成一份专业的会议纪要。请严格按照提供的模板格式进行输出。

会议标题：{title}

转录内容：
{transcript}

请按照以下模板格式生成会议纪要：

# {title}

## 会议基本信息

- [时间]，[主持人]在[地点]主持召开{title}会议，会议主要内容为：[会议主要内容]。有[参会单位列表]参加会议。会议纪要如下：

## 会议纪要

### 一、[第一主要点标题]

- 一是[第一个要点的详细内容]
- 二是[第二个要点的详细内容]
- 三是[第三个要点的详细内容]

### 二、[第二主要点标题]

- 一是[第一个要点的详细内容]
- 二是[第二个要点的详细内容]
- 三是[第三个要点的详细内容]

### 三、[第三主要点标题]

- 一是[第一个要点的详细内容]
- 二是[第二个要点的详细内容]
- 三是[第三个要点的详细内容]

### 四、[第四主要点标题]

- 一是[第一个要点的详细内容]
- 二是[第二个要点的详细内容]
- 三是[第三个要点的详细内容]

### 五、[第五主要点标题]

[内容总结段落]

## 参会人员

- [姓名1]
- [姓名2]
- [姓名3]
- （可根据实际参会人员继续添加）

## 分送

- [集团领导]
- [部门1]
- [部门2]
- [公司1]

要求：
1. 严格按照上述模板格式输出，保持结构完整
2. 根据转录内容的实际情况，合理分配主要点（可以是3-5个主要点）
3. 每个主要点下的要点数量可以根据内容调整（1-5个要点）
4. 如果转录内容信息不足，请在相应位置标注"[待确认]"或"[信息不足]"
5. 保持内容的准确性和客观性
6. 使用正式的会议纪要语言风格
`

const englishTemplate = `Please generate a professional meeting minutes based on the following meeting transcription. Please strictly follow the provided template format.

Meeting Title: {title}

Transcription Content:
{transcript}

Please generate the meeting minutes according to the following template format:

# {title}

## Meeting Basic Information

- [Time], [Chairperson] chaired the {title} meeting at [Location]. The main content of the meeting was: [Main meeting content]. [List of participating units] attended the meeting. The meeting minutes are as follows:

## Meeting Minutes

### I. [First Main Point Title]

- First: [Detailed content of the first point]
- Second: [Detailed content of the second point]
- Third: [Detailed content of the third point]

### II. [Second Main Point Title]

- First: [Detailed content of the first point]
- Second: [Detailed content of the second point]
- Third: [Detailed content of the third point]

### III. [Third Main Point Title]

- First: [Detailed content of the first point]
- Second: [Detailed content of the second point]
- Third: [Detailed content of the third point]

### IV. [Fourth Main Point Title]

- First: [Detailed content of the first point]
- Second: [Detailed content of the second point]
- Third: [Detailed content of the third point]

### V. [Fifth Main Point Title]

[Summary paragraph content]

## Participants

- [Name 1]
- [Name 2]
- [Name 3]
- (Add more participants as needed)

## Distribution

- [Group Leadership]
- [Department 1]
- [Department 2]
- [Company 1]

Requirements:
1. Strictly follow the above template format and maintain complete structure
2. Reasonably allocate main points based on actual transcription content (3-5 main points)
3. Adjust the number of sub-points under each main point according to content (1-5 points)
4. If transcription information is insufficient, mark as "[To be confirmed]" or "[Insufficient information]"
5. Maintain accuracy and objectivity of content
6. Use formal meeting minutes language style
`
